// loginctl exercises the login engine from the command line: account
// creation, every login factor, recovery setup, OTP, and voucher
// decisions against a running authority.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"login-core/internal/login"
	"login-core/internal/logintree"
	"login-core/internal/platform"
	"login-core/internal/storage"
)

type commonFlags struct {
	server *string
	app    *string
	stash  *string
	mongo  *string
	db     *string
	coll   *string
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		server: fs.String("server", "http://localhost:8087", "authority base URL"),
		app:    fs.String("app", "", "appId to log into"),
		stash:  fs.String("stash", "./stashes", "stash directory"),
		mongo:  fs.String("mongo", "", "MongoDB URI for stash storage (optional)"),
		db:     fs.String("db", "logindb", "Mongo database name"),
		coll:   fs.String("coll", "stashes", "Mongo collection name"),
	}
}

func buildSession(ctx context.Context, c commonFlags) (*login.Session, error) {
	cfg := login.Config{
		AppID:             *c.app,
		AuthServer:        *c.server,
		StashDir:          *c.stash,
		DeviceDescription: "loginctl",
	}
	if *c.mongo != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		blobs, err := storage.NewMongoBlobStore(dialCtx, *c.mongo, *c.db, *c.coll)
		if err != nil {
			return nil, err
		}
		cfg.Blobs = blobs
	}
	return login.NewSession(ctx, cfg)
}

func main() {
	if err := platform.DisableCoreDumps(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not disable core dumps:", err)
	}
	if len(os.Args) < 2 {
		usage()
		return
	}
	ctx := context.Background()

	switch os.Args[1] {
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		pin := fs.String("pin", "", "initial PIN (optional)")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdCreate(ctx, c, *user, *pin))

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdLogin(ctx, c, *user))

	case "pin-login":
		fs := flag.NewFlagSet("pin-login", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		pin := fs.String("pin", "", "PIN")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdPinLogin(ctx, c, *user, *pin))

	case "set-pin":
		fs := flag.NewFlagSet("set-pin", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		pin := fs.String("pin", "", "new PIN")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdSetPin(ctx, c, *user, *pin))

	case "set-recovery":
		fs := flag.NewFlagSet("set-recovery", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		questions := fs.String("questions", "", "recovery questions, separated by ';'")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdSetRecovery(ctx, c, *user, *questions))

	case "recovery-login":
		fs := flag.NewFlagSet("recovery-login", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		key := fs.String("key", "", "recovery key (hex)")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdRecoveryLogin(ctx, c, *user, *key))

	case "otp":
		fs := flag.NewFlagSet("otp", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		off := fs.Bool("off", false, "disable OTP instead of enabling")
		timeout := fs.Int("timeout", 7*24*3600, "reset grace period in seconds")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdOtp(ctx, c, *user, *off, *timeout))

	case "vouchers":
		fs := flag.NewFlagSet("vouchers", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		approve := fs.String("approve", "", "voucher ids to approve, separated by ','")
		reject := fs.String("reject", "", "voucher ids to reject, separated by ','")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdVouchers(ctx, c, *user, *approve, *reject))

	case "available":
		fs := flag.NewFlagSet("available", flag.ExitOnError)
		c := addCommon(fs)
		user := fs.String("user", "", "username")
		_ = fs.Parse(os.Args[2:])
		dieIf(cmdAvailable(ctx, c, *user))

	default:
		usage()
	}
}

func usage() {
	fmt.Print(`loginctl commands:

  create         --user alice [--pin 1234] [--server URL --app ID --stash DIR]
  login          --user alice
  pin-login      --user alice --pin 1234
  set-pin        --user alice --pin 1234
  set-recovery   --user alice --questions "first pet?;first street?"
  recovery-login --user alice --key <hex>
  otp            --user alice [--off] [--timeout seconds]
  vouchers       --user alice [--approve id,id] [--reject id,id]
  available      --user alice

All commands accept --mongo URI --db logindb --coll stashes to keep
stashes in MongoDB instead of local files.
`)
}

func cmdCreate(ctx context.Context, c commonFlags, user, pin string) error {
	if user == "" {
		return fmt.Errorf("--user required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	password, err := promptSecret("Password: ")
	if err != nil {
		return err
	}
	defer zero(password)

	opts := login.CreateAccountOpts{}
	if len(password) > 0 {
		pw := string(password)
		opts.Password = &pw
	}
	if pin != "" {
		opts.Pin = &pin
	}
	tree, err := s.CreateAccount(ctx, user, opts)
	if err != nil {
		return err
	}
	defer tree.Close()
	fmt.Println("Account created:", user)
	return nil
}

func cmdLogin(ctx context.Context, c commonFlags, user string) error {
	if user == "" {
		return fmt.Errorf("--user required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	password, err := promptSecret("Password: ")
	if err != nil {
		return err
	}
	defer zero(password)

	tree, err := s.LoginWithPassword(ctx, user, string(password))
	if err != nil {
		return err
	}
	defer tree.Close()
	fmt.Printf("Logged in as %s (appId %q)\n", user, tree.AppID)
	for _, v := range s.PendingVouchers(tree) {
		fmt.Printf("  pending voucher %s: %s\n", v.VoucherID, v.DeviceDescription)
	}
	return nil
}

func cmdPinLogin(ctx context.Context, c commonFlags, user, pin string) error {
	if user == "" || pin == "" {
		return fmt.Errorf("--user and --pin required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	tree, err := s.LoginWithPin(ctx, user, pin)
	if err != nil {
		return err
	}
	defer tree.Close()
	fmt.Printf("Logged in as %s via PIN\n", user)
	return nil
}

func cmdSetPin(ctx context.Context, c commonFlags, user, pin string) error {
	if user == "" || pin == "" {
		return fmt.Errorf("--user and --pin required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	tree, err := passwordLogin(ctx, s, user)
	if err != nil {
		return err
	}
	defer tree.Close()
	if err := s.ChangePin(ctx, tree, login.ChangePinOpts{Pin: &pin}); err != nil {
		return err
	}
	fmt.Println("PIN set for", user)
	return nil
}

func cmdSetRecovery(ctx context.Context, c commonFlags, user, questionList string) error {
	questions := splitList(questionList, ";")
	if user == "" || len(questions) == 0 {
		return fmt.Errorf("--user and --questions required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	tree, err := passwordLogin(ctx, s, user)
	if err != nil {
		return err
	}
	defer tree.Close()

	answers := make([]string, len(questions))
	for i, q := range questions {
		answer, err := promptSecret(q + " ")
		if err != nil {
			return err
		}
		answers[i] = string(answer)
		zero(answer)
	}
	key, err := s.ChangeRecovery(ctx, tree, questions, answers)
	if err != nil {
		return err
	}
	fmt.Println("Recovery enabled. Store this key somewhere safe:")
	fmt.Println(" ", hex.EncodeToString(key))
	return nil
}

func cmdRecoveryLogin(ctx context.Context, c commonFlags, user, keyHex string) error {
	if user == "" || keyHex == "" {
		return fmt.Errorf("--user and --key required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("bad recovery key: %w", err)
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	questions, err := s.FetchRecovery2Questions(ctx, user, key)
	if err != nil {
		return err
	}
	answers := make([]string, len(questions))
	for i, q := range questions {
		answer, err := promptSecret(q + " ")
		if err != nil {
			return err
		}
		answers[i] = string(answer)
		zero(answer)
	}
	tree, err := s.LoginWithRecovery2(ctx, key, user, answers)
	if err != nil {
		return err
	}
	defer tree.Close()
	fmt.Printf("Logged in as %s via recovery\n", user)
	return nil
}

func cmdOtp(ctx context.Context, c commonFlags, user string, off bool, timeout int) error {
	if user == "" {
		return fmt.Errorf("--user required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	tree, err := passwordLogin(ctx, s, user)
	if err != nil {
		return err
	}
	defer tree.Close()

	if off {
		if err := s.DisableOtp(ctx, tree); err != nil {
			return err
		}
		fmt.Println("OTP disabled for", user)
		return nil
	}
	key, err := s.EnableOtp(ctx, tree, timeout)
	if err != nil {
		return err
	}
	fmt.Println("OTP enabled. Authenticator key:", key)
	fmt.Println(" ", s.OtpProvisionURI(tree, "login-core"))
	return nil
}

func cmdVouchers(ctx context.Context, c commonFlags, user, approve, reject string) error {
	if user == "" {
		return fmt.Errorf("--user required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	tree, err := passwordLogin(ctx, s, user)
	if err != nil {
		return err
	}
	defer tree.Close()

	approved := splitList(approve, ",")
	rejected := splitList(reject, ",")
	if len(approved) == 0 && len(rejected) == 0 {
		for _, v := range s.PendingVouchers(tree) {
			fmt.Printf("%s  %s  activates %s\n", v.VoucherID, v.DeviceDescription, v.Activates.Format(time.RFC3339))
		}
		return nil
	}
	if err := s.ChangeVoucherStatus(ctx, tree, approved, rejected); err != nil {
		return err
	}
	fmt.Printf("Approved %d, rejected %d\n", len(approved), len(rejected))
	return nil
}

func cmdAvailable(ctx context.Context, c commonFlags, user string) error {
	if user == "" {
		return fmt.Errorf("--user required")
	}
	s, err := buildSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	free, err := s.UsernameAvailable(ctx, user)
	if err != nil {
		return err
	}
	if free {
		fmt.Println(user, "is available")
	} else {
		fmt.Println(user, "is taken")
	}
	return nil
}

func passwordLogin(ctx context.Context, s *login.Session, user string) (*logintree.LoginTree, error) {
	password, err := promptSecret("Password: ")
	if err != nil {
		return nil, err
	}
	defer zero(password)
	return s.LoginWithPassword(ctx, user, string(password))
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	br := bufio.NewReader(os.Stdin)
	secret, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(secret), "\r\n")), nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
