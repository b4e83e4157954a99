// Command sosistab-keygen generates a long-term X25519 secret key, persists
// it owner-readable only, and prints the public key to share with clients.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/keyfile"
	"github.com/orinsid/sosistab/internal/version"
)

var buildVersion = "dev"

func main() {
	out := flag.String("out", "", "path to write the secret key file (required)")
	force := flag.Bool("force", false, "overwrite an existing key file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String(buildVersion))
		return
	}
	if *out == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			log.Fatalf("refusing to overwrite %s (use -force)", *out)
		}
	}

	sk, pk, err := crypt.GenerateKeypair()
	if err != nil {
		log.Fatalf("generate keypair: %v", err)
	}
	if err := keyfile.WriteSecret(*out, sk); err != nil {
		log.Fatalf("write key file: %v", err)
	}
	fmt.Printf("public key: %s\n", hex.EncodeToString(pk[:]))
}
