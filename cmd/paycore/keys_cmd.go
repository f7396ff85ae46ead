package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/api"
	"github.com/Mindburn-Labs/paycore/pkg/crypto"
)

type keyOutput struct {
	Name      string `json:"name"`
	Seed      string `json:"seed"`
	PublicKey string `json:"publicKey"`
	Address   string `json:"address"`
}

// runKeygenCmd implements `paycore keygen`. The seed is the only secret;
// keep it out of the policy file, which carries public keys only.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	name := cmd.String("name", "key", "Key name")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewEd25519Signer(*name)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out := keyOutput{
		Name:      *name,
		Seed:      signer.Seed(),
		PublicKey: signer.PublicKey(),
		Address:   string(signer.Address()),
	}
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "name:       %s\n", out.Name)
	fmt.Fprintf(stdout, "seed:       %s\n", out.Seed)
	fmt.Fprintf(stdout, "public key: %s\n", out.PublicKey)
	fmt.Fprintf(stdout, "address:    %s\n", out.Address)
	return 0
}

// runAddressCmd implements `paycore address`.
func runAddressCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("address", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	key := cmd.String("key", "", "Multibase Ed25519 public key (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *key == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key is required")
		return 2
	}
	pub, err := crypto.DecodeMultibaseKey(*key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, crypto.AddressFromKey(pub))
	return 0
}

// runTokenCmd implements `paycore token`, issuing a bearer token for the
// admin or executor channel.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	seed := cmd.String("seed", "", "Hex seed of the channel key (REQUIRED)")
	channel := cmd.String("channel", string(api.ChannelAdmin), "Channel: admin or executor")
	ttl := cmd.Duration("ttl", 15*time.Minute, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *seed == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --seed is required")
		return 2
	}
	ch := api.Channel(*channel)
	if ch != api.ChannelAdmin && ch != api.ChannelExecutor {
		_, _ = fmt.Fprintf(stderr, "Error: unknown channel %q\n", *channel)
		return 2
	}
	signer, err := crypto.NewEd25519SignerFromSeed(*seed, *channel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := api.IssueToken(signer, ch, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
