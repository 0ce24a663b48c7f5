// Command po runs the Poll Orchestrator server: vote intake, double-spend
// prevention, the commitment ledger and tally releases. The issuer's public
// key is configured out of band; the orchestrator never talks to the
// Identity Authority.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/po"
	"github.com/choice-protocol/choice/service"
	"github.com/choice-protocol/choice/tally"
	"github.com/choice-protocol/choice/tokenstore"
	"github.com/choice-protocol/choice/util"
)

func main() {
	host := flag.String("host", "0.0.0.0", "host to listen on")
	port := flag.Int("port", 8081, "port to listen on")
	dataDir := flag.String("dataDir", filepath.Join(os.TempDir(), "choice-po"), "data directory")
	logLevel := flag.String("logLevel", log.LogLevelInfo, "log level (debug, info, warn, error)")
	issuerKey := flag.String("issuerKey", "", "hex-encoded issuer public key (G1||G2 compressed)")
	sealInterval := flag.Duration("sealInterval", 5*time.Minute, "interval between automatic ledger seals")
	flag.Parse()

	log.Init(*logLevel, "stdout", nil)

	if *issuerKey == "" {
		log.Fatal("missing --issuerKey")
	}
	keyBytes, err := hex.DecodeString(util.TrimHex(*issuerKey))
	if err != nil {
		log.Fatalf("invalid issuer key: %v", err)
	}
	pk, err := voprf.PublicKeyFromBytes(keyBytes)
	if err != nil {
		log.Fatalf("invalid issuer key: %v", err)
	}

	database, err := metadb.New(db.TypePebble, filepath.Join(*dataDir, "db"))
	if err != nil {
		log.Fatalf("cannot open database: %v", err)
	}

	commitLedger := ledger.New(database)
	tallyEngine := tally.New(database)

	svc := service.NewPO(&po.Config{
		Host:      *host,
		Port:      *port,
		IssuerKey: pk,
		Store:     tokenstore.New(database),
		Ledger:    commitLedger,
		Tally:     tallyEngine,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("cannot start PO service: %v", err)
	}

	sealer, err := service.NewSealer(commitLedger, tallyEngine, *sealInterval)
	if err != nil {
		log.Fatalf("cannot create sealer: %v", err)
	}
	if err := sealer.Start(ctx); err != nil {
		log.Fatalf("cannot start sealer: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	sealer.Stop()
	svc.Stop()
}
