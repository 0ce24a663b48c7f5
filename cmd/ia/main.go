// Command ia runs the Identity Authority server: census roster management,
// eligibility checks and blind credential issuance.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/census"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/ia"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/service"
	"github.com/choice-protocol/choice/tokenstore"
	"github.com/choice-protocol/choice/types"
)

func main() {
	host := flag.String("host", "0.0.0.0", "host to listen on")
	port := flag.Int("port", 8080, "port to listen on")
	dataDir := flag.String("dataDir", filepath.Join(os.TempDir(), "choice-ia"), "data directory")
	logLevel := flag.String("logLevel", log.LogLevelInfo, "log level (debug, info, warn, error)")
	keyFile := flag.String("keyFile", "", "signing key file (generated if missing); defaults to <dataDir>/signer.key")
	tokenTTL := flag.Duration("tokenTTL", types.DefaultTokenTTLHours*time.Hour, "credential lifetime")
	flag.Parse()

	log.Init(*logLevel, "stdout", nil)

	database, err := metadb.New(db.TypePebble, filepath.Join(*dataDir, "db"))
	if err != nil {
		log.Fatalf("cannot open database: %v", err)
	}

	kf := *keyFile
	if kf == "" {
		kf = filepath.Join(*dataDir, "signer.key")
	}
	signer, err := loadOrGenerateSigner(kf)
	if err != nil {
		log.Fatalf("cannot load signing key: %v", err)
	}
	log.Infow("signing key loaded",
		"publicKey", hex.EncodeToString(signer.PublicKey().Bytes()))

	roster, err := openRoster(census.NewDB(database))
	if err != nil {
		log.Fatalf("cannot open census roster: %v", err)
	}

	svc := service.NewIA(&ia.Config{
		Host:     *host,
		Port:     *port,
		Store:    tokenstore.New(database),
		Roster:   roster,
		Signer:   signer,
		TokenTTL: *tokenTTL,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("cannot start IA service: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	svc.Stop()
}

// loadOrGenerateSigner reads the hex-encoded signing key from path, creating
// a fresh one (mode 0600) if the file does not exist.
func loadOrGenerateSigner(path string) (*voprf.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		return voprf.NewSigner(secret)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	signer, err := voprf.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.MarshalSecret())), 0o600); err != nil {
		return nil, err
	}
	log.Infow("generated new signing key", "path", path)
	return signer, nil
}

// rosterID is the fixed identifier of the authority's census roster.
var rosterID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("choice-census-roster"))

// openRoster loads the census roster, creating it on first run.
func openRoster(rosterDB *census.DB) (*census.Roster, error) {
	if rosterDB.Exists(rosterID) {
		return rosterDB.Load(rosterID)
	}
	return rosterDB.New(rosterID)
}
