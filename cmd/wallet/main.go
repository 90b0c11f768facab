// Command wallet is a standalone ecash wallet for the gateway's mint.
// Proofs persist in a local JSON file between invocations.
//
//	wallet -mint https://mint.example balance
//	wallet mint 100            request a quote, pay it, then: wallet redeem <quote> 100
//	wallet send 50             prints a cashuA token
//	wallet receive <token>
//	wallet melt <bolt11>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/cashu"
)

type walletFile struct {
	MintURL string       `json:"mint_url"`
	Proofs  cashu.Proofs `json:"proofs"`
}

func main() {
	var (
		mintURL = flag.String("mint", "https://testnut.cashu.space", "mint URL")
		path    = flag.String("file", defaultWalletPath(), "wallet state file")
		timeout = flag.Duration("timeout", 30*time.Second, "mint request timeout")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	state, err := loadState(*path)
	if err != nil {
		fatal("load wallet file: %v", err)
	}
	if state.MintURL != "" && state.MintURL != *mintURL {
		fatal("wallet file is bound to %s, not %s", state.MintURL, *mintURL)
	}

	wallet := cashu.NewWallet(cashu.NewHTTPMintClient(*mintURL), *mintURL, log)
	wallet.Restore(state.Proofs)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd := flag.Arg(0); cmd {
	case "balance":
		fmt.Printf("%d sats (%d proofs) at %s\n", wallet.Balance(), len(wallet.Proofs()), wallet.MintURL())
		return

	case "mint":
		amount := argUint(1, "amount")
		quote, err := wallet.RequestMintQuote(ctx, amount)
		if err != nil {
			fatal("mint quote: %v", err)
		}
		fmt.Printf("pay this invoice, then run: wallet redeem %s %d\n\n%s\n", quote.Quote, amount, quote.Request)
		return

	case "redeem":
		if flag.NArg() < 3 {
			fatal("usage: wallet redeem <quote> <amount>")
		}
		amount := argUint(2, "amount")
		proofs, err := wallet.MintTokens(ctx, flag.Arg(1), amount)
		if err != nil {
			fatal("mint: %v", err)
		}
		fmt.Printf("minted %d sats\n", proofs.Amount())

	case "send":
		amount := argUint(1, "amount")
		token, err := wallet.Send(ctx, amount)
		if err != nil {
			fatal("send: %v", err)
		}
		fmt.Println(token)

	case "receive":
		if flag.NArg() < 2 {
			fatal("usage: wallet receive <token>")
		}
		amount, _, err := wallet.Receive(ctx, flag.Arg(1))
		if err != nil {
			fatal("receive: %v", err)
		}
		fmt.Printf("received %d sats\n", amount)

	case "melt":
		if flag.NArg() < 2 {
			fatal("usage: wallet melt <bolt11>")
		}
		invoice := flag.Arg(1)
		quote, err := wallet.RequestMeltQuote(ctx, invoice)
		if err != nil {
			fatal("melt quote: %v", err)
		}
		result, err := wallet.MeltTokens(ctx, quote.Quote, quote.Amount+quote.FeeReserve)
		if err != nil {
			fatal("melt: %v", err)
		}
		fmt.Printf("melt %s: paid %d sats (fee reserve %d)\n", result.State, quote.Amount, quote.FeeReserve)

	default:
		usage()
		os.Exit(2)
	}

	if err := saveState(*path, walletFile{MintURL: *mintURL, Proofs: wallet.Proofs()}); err != nil {
		fatal("save wallet file: %v", err)
	}
	fmt.Printf("balance: %d sats\n", wallet.Balance())
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wallet [flags] balance|mint <amount>|redeem <quote> <amount>|send <amount>|receive <token>|melt <bolt11>")
	flag.PrintDefaults()
}

func argUint(i int, name string) uint64 {
	if flag.NArg() <= i {
		fatal("missing %s argument", name)
	}
	var n uint64
	if _, err := fmt.Sscanf(flag.Arg(i), "%d", &n); err != nil || n == 0 {
		fatal("invalid %s: %q", name, flag.Arg(i))
	}
	return n
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func defaultWalletPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wallet.json"
	}
	return filepath.Join(home, ".lnca", "wallet.json")
}

func loadState(path string) (walletFile, error) {
	var state walletFile
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	return state, json.Unmarshal(raw, &state)
}

func saveState(path string, state walletFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
