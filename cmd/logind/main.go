// logind runs the reference login authority over plain HTTP. It is the
// development stand-in for a production deployment sitting behind TLS.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"login-core/internal/authserver"
	"login-core/internal/platform"
)

func main() {
	addr := flag.String("addr", ":8087", "listen address")
	voucherDelay := flag.Duration("voucher-delay", 7*24*time.Hour, "how long pending device vouchers wait before auto-activating")
	loginRate := flag.Float64("login-rate", 5, "login attempts per second per client IP")
	loginBurst := flag.Int("login-burst", 10, "login burst per client IP")
	flag.Parse()

	logger := log.New(os.Stdout, "[logind] ", log.LstdFlags)

	if err := platform.DisableCoreDumps(); err != nil {
		logger.Printf("could not disable core dumps: %v", err)
	}

	srv := authserver.NewServer(authserver.Config{
		Logger:       logger,
		VoucherDelay: *voucherDelay,
		LoginRate:    rate.Limit(*loginRate),
		LoginBurst:   *loginBurst,
	})

	logger.Printf("login authority on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, srv.Handler()))
}
