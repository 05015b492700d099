package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"fairpay/internal/client"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

var rpcTimeout = time.Second * 30

// Options contains the flag options
type Options struct {
	API     string `long:"api" env:"FAIRPAY_API" description:"Base URL of the fairpay daemon." default:"http://localhost:3000"`
	KeyFile string `short:"k" long:"key" env:"FAIRPAY_KEY" description:"Path to the signer's hex-encoded secp256k1 key."`
	Idem    bool   `long:"idempotent" description:"Send a fresh X-Idempotency-Key with state-changing calls."`

	Keygen struct {
		Args struct {
			Path string `positional-arg-name:"path" required:"yes" description:"Where to write the new key."`
		} `positional-args:"yes"`
	} `command:"keygen" description:"Generate a signing key and print its address."`

	Deploy struct{} `command:"deploy" description:"Deploy a new contract instance."`

	Init struct {
		Contract string `long:"contract" required:"yes" description:"Contract instance address."`
		Employer string `long:"employer" required:"yes" description:"Employer address."`
		Worker   string `long:"worker" required:"yes" description:"Worker address."`
		Customer string `long:"customer" required:"yes" description:"Customer address."`
	} `command:"init" description:"Record the employer, worker and customer of an instance."`

	MakePayments struct {
		Contract string   `long:"contract" required:"yes" description:"Contract instance address."`
		Token    string   `long:"token" required:"yes" description:"Token address."`
		Business string   `long:"business" required:"yes" description:"Business recipient address."`
		Tip      []string `long:"tip" description:"Tip recipient address. Repeatable."`
		Value    string   `long:"value" required:"yes" description:"Value paid to the business."`
		Percent  string   `long:"percent" required:"yes" description:"Tip percent of the value paid to each tip recipient."`
	} `command:"make-payments" description:"Pay a business and tip each recipient."`

	DepositSalary struct {
		Contract  string        `long:"contract" required:"yes" description:"Contract instance address."`
		Token     string        `long:"token" required:"yes" description:"Token address."`
		Amount    string        `long:"amount" required:"yes" description:"Salary amount."`
		TimeBound uint64        `long:"time-bound" description:"Unix timestamp after which the worker may claim."`
		After     time.Duration `long:"after" description:"Release the salary this long from now instead of --time-bound."`
	} `command:"deposit-salary" description:"Escrow the salary as the employer."`

	DepositTip struct {
		Contract string `long:"contract" required:"yes" description:"Contract instance address."`
		Token    string `long:"token" required:"yes" description:"Token address."`
		Amount   int32  `long:"amount" required:"yes" description:"Tip amount."`
	} `command:"deposit-tip" description:"Add a tip to the escrow."`

	ExecutePayment struct {
		Contract string `long:"contract" required:"yes" description:"Contract instance address."`
		Token    string `long:"token" required:"yes" description:"Token address."`
	} `command:"execute-payment" description:"Claim salary and tips once the time bound has passed."`

	State struct {
		Contract string `long:"contract" required:"yes" description:"Contract instance address."`
	} `command:"state" description:"Show an instance's roles, balance and tips."`
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	if err := subcommand(parser.Active.Name, options); err != nil {
		exit(2, "%s failed: %s\n", parser.Active.Name, err)
	}
}

func subcommand(cmd string, options Options) error {
	if cmd == "keygen" {
		return keygen(options.Keygen.Args.Path)
	}

	var key *ecdsa.PrivateKey
	if options.KeyFile != "" {
		var err error
		if key, err = crypto.LoadECDSA(options.KeyFile); err != nil {
			return errors.Wrap(err, "load key")
		}
	}
	c := client.New(options.API, key)
	if options.Idem {
		c.IdempotencyKey = client.NewIdempotencyKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	var (
		out interface{}
		err error
	)
	switch cmd {
	case "deploy":
		if key == nil {
			return errors.New("deploy needs --key")
		}
		out, err = c.Deploy(ctx)
	case "init":
		o := options.Init
		var id common.Address
		var roles client.Roles
		if err = parseAddresses(
			addr{o.Contract, &id},
			addr{o.Employer, &roles.Employer},
			addr{o.Worker, &roles.Worker},
			addr{o.Customer, &roles.Customer},
		); err == nil {
			out, err = c.Init(ctx, id, roles)
		}
	case "make-payments":
		o := options.MakePayments
		var id, tok, business common.Address
		if err = parseAddresses(addr{o.Contract, &id}, addr{o.Token, &tok}, addr{o.Business, &business}); err != nil {
			break
		}
		tips := make([]common.Address, len(o.Tip))
		for i, raw := range o.Tip {
			if err = parseAddresses(addr{raw, &tips[i]}); err != nil {
				return err
			}
		}
		out, err = c.MakePayments(ctx, id, tips, business, tok, o.Value, o.Percent)
	case "deposit-salary":
		o := options.DepositSalary
		var id, tok common.Address
		if err = parseAddresses(addr{o.Contract, &id}, addr{o.Token, &tok}); err != nil {
			break
		}
		timeBound := o.TimeBound
		if o.After > 0 {
			timeBound = uint64(time.Now().Add(o.After).Unix())
		}
		out, err = c.DepositSalary(ctx, id, tok, o.Amount, timeBound)
	case "deposit-tip":
		o := options.DepositTip
		var id, tok common.Address
		if err = parseAddresses(addr{o.Contract, &id}, addr{o.Token, &tok}); err != nil {
			break
		}
		out, err = c.DepositTip(ctx, id, tok, o.Amount)
	case "execute-payment":
		o := options.ExecutePayment
		var id, tok common.Address
		if err = parseAddresses(addr{o.Contract, &id}, addr{o.Token, &tok}); err != nil {
			break
		}
		out, err = c.ExecutePayment(ctx, id, tok)
	case "state":
		var id common.Address
		if err = parseAddresses(addr{options.State.Contract, &id}); err != nil {
			break
		}
		out, err = c.State(ctx, id)
	default:
		return errors.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func keygen(path string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return errors.Wrap(err, "save key")
	}
	fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return nil
}

type addr struct {
	raw  string
	into *common.Address
}

func parseAddresses(addrs ...addr) error {
	for _, a := range addrs {
		if !common.IsHexAddress(a.raw) {
			return errors.Errorf("not an address: %q", a.raw)
		}
		*a.into = common.HexToAddress(a.raw)
	}
	return nil
}

func exit(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}
