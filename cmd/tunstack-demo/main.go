//go:build linux

// Command tunstack-demo wires a real TUN device to the stack and echoes
// every accepted TCP connection and every received UDP datagram back to
// its sender. It exists to exercise the Facade end to end; it is not a
// proxy.
package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.zx2c4.com/wireguard/tun"

	"tunstack/internal"
)

func main() {
	var ifaceName string
	var mtu int
	var metricsAddr string
	flag.StringVar(&ifaceName, "tun", "tunstack0", "existing TUN interface name")
	flag.IntVar(&mtu, "mtu", 1500, "interface MTU")
	flag.StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9100")
	flag.Parse()

	dev, err := tun.CreateTUN(ifaceName, mtu)
	if err != nil {
		log.Fatalf("open tun %q: %v", ifaceName, err)
	}
	defer dev.Close()

	facade, err := internal.New(internal.Options{MTU: mtu})
	if err != nil {
		log.Fatalf("new stack: %v", err)
	}
	defer facade.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
	}()

	if metricsAddr != "" {
		internal.EnablePrometheusMetrics()
		go func() {
			if err := internal.StartMetricsServer(ctx, metricsAddr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("Prometheus metrics listening on %s", metricsAddr)
	}

	go pumpDeviceToStack(ctx, dev, facade.Stack, mtu)
	go pumpStackToDevice(ctx, dev, facade.Stack)
	go acceptLoop(ctx, facade.Listener)
	go udpEchoLoop(ctx, facade.UDP)

	<-ctx.Done()
}

// pumpDeviceToStack reads raw frames off the TUN device and hands them to
// the Inbound Pump.
func pumpDeviceToStack(ctx context.Context, dev tun.Device, st *internal.Stack, mtu int) {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, mtu+32)
	sizes := make([]int, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := dev.Read(bufs, sizes, 0)
		if err != nil {
			log.Printf("tun read: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		frame := append([]byte(nil), bufs[0][:sizes[0]]...)
		if err := st.SendFrame(ctx, internal.Frame(frame)); err != nil {
			log.Printf("inject frame: %v", err)
		}
	}
}

// pumpStackToDevice reads outbound frames off the Outbound Queue and
// writes them to the TUN device.
func pumpStackToDevice(ctx context.Context, dev tun.Device, st *internal.Stack) {
	for {
		f, err := st.RecvFrame(ctx)
		if err != nil {
			if err != internal.ErrStackClosed {
				log.Printf("recv frame: %v", err)
			}
			return
		}
		if _, err := dev.Write([][]byte{f}, 0); err != nil {
			log.Printf("tun write: %v", err)
		}
	}
}

// acceptLoop echoes every byte read from each accepted connection back to
// it, closing once the peer closes its write side.
func acceptLoop(ctx context.Context, l *internal.Listener) {
	for {
		conn, local, remote, err := l.Accept(ctx)
		if err != nil {
			return
		}
		log.Printf("tcp accept %s -> %s", remote, local)
		go echoConn(ctx, conn)
	}
}

func echoConn(ctx context.Context, conn *internal.Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(ctx, buf)
		if n > 0 {
			if _, werr := conn.Write(ctx, buf[:n]); werr != nil {
				conn.Abort()
				return
			}
		}
		if err == io.EOF {
			conn.Close()
			return
		}
		if err != nil {
			conn.Abort()
			return
		}
	}
}

// udpEchoLoop sends each received datagram back to its source, as if it
// had originated from the destination it arrived on.
func udpEchoLoop(ctx context.Context, u *internal.UDPEndpoint) {
	for {
		d, err := u.Recv(ctx)
		if err != nil {
			return
		}
		payload := bytes.Clone(d.Payload)
		if err := u.Send(ctx, payload, d.Dest, d.Source); err != nil {
			log.Printf("udp echo: %v", err)
		}
	}
}
