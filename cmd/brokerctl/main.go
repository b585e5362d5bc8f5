// Command brokerctl is the broker's local administration CLI: configuring
// credentials, minting the pairing secret the local UI surface exchanges
// for a bearer token, and checking session status, without starting a
// listener of its own.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/privatedatabroker/pdb/internal/auth"
	"github.com/privatedatabroker/pdb/internal/broker"
	"github.com/privatedatabroker/pdb/internal/session"
	"github.com/privatedatabroker/pdb/internal/totp"
)

func main() {
	configureCmd := flag.NewFlagSet("configure", flag.ExitOnError)
	cfgStoreDir := configureCmd.String("store-dir", "", "file-backed secret store directory")
	cfgFallbackDir := configureCmd.String("fallback-dir", "", "Fallback-mode persistence directory")
	cfgAPIKey := configureCmd.String("api-key", "", "remote storage API key")
	cfgPrivateKey := configureCmd.String("private-key", "", "user signing private key")
	cfgAppID := configureCmd.String("app-id", "", "application id registered with the remote service")
	cfgEnableTOTP := configureCmd.Bool("totp", false, "enroll a TOTP secret; unlock will require a verify_totp step afterward")

	pairCmd := flag.NewFlagSet("pair", flag.ExitOnError)

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusStoreDir := statusCmd.String("store-dir", "", "file-backed secret store directory")
	statusFallbackDir := statusCmd.String("fallback-dir", "", "Fallback-mode persistence directory")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "configure":
		_ = configureCmd.Parse(os.Args[2:])
		dieIf(cmdConfigure(*cfgStoreDir, *cfgFallbackDir, *cfgAPIKey, *cfgPrivateKey, *cfgAppID, *cfgEnableTOTP))

	case "pair":
		_ = pairCmd.Parse(os.Args[2:])
		dieIf(cmdPair())

	case "status":
		_ = statusCmd.Parse(os.Args[2:])
		dieIf(cmdStatus(*statusStoreDir, *statusFallbackDir))

	default:
		usage()
	}
}

func usage() {
	fmt.Print(`brokerctl commands:

  configure --api-key K --private-key P [--app-id A] [--totp] [--store-dir DIR] [--fallback-dir DIR]
  pair
  status [--store-dir DIR] [--fallback-dir DIR]

Examples:
  brokerctl configure --api-key abc123 --private-key 0xdead...
  brokerctl pair
  brokerctl status
`)
}

func cmdConfigure(storeDir, fallbackDir, apiKey, privateKey, appID string, enableTOTP bool) error {
	if apiKey == "" || privateKey == "" {
		return fmt.Errorf("--api-key and --private-key are required")
	}
	master, err := promptSecret("Master passphrase: ")
	if err != nil {
		return err
	}
	defer zero(master)

	b, err := broker.New(context.Background(), broker.Config{StoreDir: storeDir, FallbackDir: fallbackDir})
	if err != nil {
		return err
	}

	blob := session.CredentialBlob{APIKey: apiKey, PrivateKey: privateKey, AppID: appID}
	if enableTOTP {
		secret, err := totp.GenerateSecret()
		if err != nil {
			return err
		}
		blob.TOTPSecret = secret
		fmt.Println("TOTP secret:", secret)
		fmt.Println("Provisioning URI:", totp.ProvisionURI("owner", "PrivateDataBroker", secret))
	}

	if err := b.Session.Configure(context.Background(), master, blob); err != nil {
		return err
	}
	fmt.Println("Credentials configured.")
	return nil
}

// cmdPair mints a fresh pairing secret and prints both the secret (shown
// once, handed to the local UI surface out of band) and its argon2id hash
// (passed to brokerd via -pairing-hash or PDB_PAIRING_HASH).
func cmdPair() error {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashPassword(auth.DefaultArgon, secret)
	if err != nil {
		return err
	}

	fmt.Println("Pairing secret (give this to the local UI surface once):")
	fmt.Println(" ", secret)
	fmt.Println("Pairing hash (pass to brokerd as -pairing-hash or PDB_PAIRING_HASH):")
	fmt.Println(" ", hash)
	return nil
}

func cmdStatus(storeDir, fallbackDir string) error {
	b, err := broker.New(context.Background(), broker.Config{StoreDir: storeDir, FallbackDir: fallbackDir})
	if err != nil {
		return err
	}
	configured, err := b.Session.HasCredentials(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("configured:", configured)
	fmt.Println("unlocked:", b.Session.IsUnlocked())
	return nil
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	br := bufio.NewReader(os.Stdin)
	secret, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(secret) > 0 && secret[len(secret)-1] == '\n' {
		secret = secret[:len(secret)-1]
	}
	return secret, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
