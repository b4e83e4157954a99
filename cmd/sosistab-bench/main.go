// Command sosistab-bench exercises the transport end to end: a bulk-transfer
// server, a downloading client, and a loopback selftest combining both.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/orinsid/sosistab/backhaul"
	"github.com/orinsid/sosistab/client"
	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/keyfile"
	"github.com/orinsid/sosistab/listener"
	"github.com/orinsid/sosistab/mux"
)

const (
	buffSize  = 16384
	buffCount = 1000000
)

// snakeoilSK is the deterministic test identity shared by client and server
// subcommands. Never use it outside benchmarks.
var snakeoilSK = crypt.SecKeyFromSeed([]byte("sosistab-snakeoil"))

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "server":
		fs := flag.NewFlagSet("server", flag.ExitOnError)
		listen := fs.String("listen", "127.0.0.1:19999", "listening address")
		keyPath := fs.String("key", "", "secret key file (default: deterministic snakeoil key)")
		_ = fs.Parse(os.Args[2:])
		sk := snakeoilSK
		if *keyPath != "" {
			loaded, err := keyfile.ReadSecret(*keyPath)
			if err != nil {
				log.Fatal(err)
			}
			sk = loaded
		}
		if err := serverMain(*listen, sk); err != nil {
			log.Fatal(err)
		}
	case "client":
		fs := flag.NewFlagSet("client", flag.ExitOnError)
		connect := fs.String("connect", "127.0.0.1:19999", "host:port of the server")
		pubkey := fs.String("pubkey", "", "server public key, hex (default: snakeoil key)")
		_ = fs.Parse(os.Args[2:])
		pk, err := resolvePubkey(*pubkey)
		if err != nil {
			log.Fatal(err)
		}
		if err := clientMain(*connect, pk); err != nil {
			log.Fatal(err)
		}
	case "selftest":
		errCh := make(chan error, 2)
		go func() { errCh <- serverMain("127.0.0.1:19999", snakeoilSK) }()
		go func() {
			pk, err := snakeoilSK.Public()
			if err != nil {
				errCh <- err
				return
			}
			errCh <- clientMain("127.0.0.1:19999", pk)
		}()
		if err := <-errCh; err != nil {
			log.Fatal(err)
		}
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sosistab-bench {server|client|selftest} [flags]")
	os.Exit(2)
}

func serverMain(listen string, sk crypt.SecKey) error {
	// The bench rides the TCP surrogate so the yamux stream layer has a
	// loss-free backhaul underneath.
	ln, err := listener.ListenTCP(listen, sk)
	if err != nil {
		return err
	}
	defer ln.Close()
	for count := 1; ; count++ {
		sess, err := ln.AcceptSession(context.Background())
		if err != nil {
			return err
		}
		log.Printf("accepted session %d", count)
		go func(count int) {
			m, err := mux.NewServer(sess, nil)
			if err != nil {
				return
			}
			defer m.Close()
			for {
				conn, err := m.AcceptStream()
				if err != nil {
					return
				}
				log.Printf("accepted connection for session %d", count)
				buff := make([]byte, buffSize)
				for i := 0; i < buffCount; i++ {
					if _, err := conn.Write(buff); err != nil {
						return
					}
				}
			}
		}(count)
	}
}

func resolvePubkey(hexPK string) (crypt.PubKey, error) {
	if hexPK == "" {
		return snakeoilSK.Public()
	}
	raw, err := hex.DecodeString(hexPK)
	if err != nil {
		return crypt.PubKey{}, fmt.Errorf("parse -pubkey: %w", err)
	}
	return crypt.PubKeyFromBytes(raw)
}

func clientMain(connect string, serverPK crypt.PubKey) error {
	start := time.Now()
	serverAddr, err := backhaul.Resolve(connect)
	if err != nil {
		return err
	}
	// The yamux stream layer needs in-order bytes, so the bench session
	// rides a single TCP shard.
	sess, err := client.ConnectCustom(context.Background(), client.Config{
		ServerAddr:   serverAddr,
		ServerPubkey: serverPK,
		BackhaulGen: func() (backhaul.Backhaul, error) {
			return backhaul.NewTCPClient(serverPK), nil
		},
		NumShards: 1,
	})
	if err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	log.Printf("session established in %v", time.Since(start))

	m, err := mux.NewClient(sess, nil)
	if err != nil {
		return err
	}
	defer m.Close()
	start = time.Now()
	conn, err := m.OpenStream()
	if err != nil {
		return err
	}
	log.Printf("stream established in %v", time.Since(start))

	buffer := make([]byte, buffSize)
	start = time.Now()
	for buffs := 1; buffs <= buffCount; buffs++ {
		if _, err := io.ReadFull(conn, buffer); err != nil {
			return err
		}
		if buffs%10000 == 0 {
			totalBytes := float64(buffs) * buffSize
			totalTime := time.Since(start).Seconds()
			mbps := totalBytes / 1048576.0 / totalTime
			log.Printf("downloaded %.2f MB in %.2f secs (%.2f Mbps, %.3f MB/s)",
				totalBytes/1048576.0, totalTime, mbps*8, mbps)
		}
	}
	log.Printf("got all %d buffers right!", buffCount)
	return nil
}
