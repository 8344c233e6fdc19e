package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"embed"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/data"
	"github.com/skysprint/scorerelay/internal"
	librelay "github.com/skysprint/scorerelay/lib"
	"github.com/skysprint/scorerelay/lib/chain"
	"github.com/skysprint/scorerelay/lib/nonce"
	"github.com/skysprint/scorerelay/lib/signature"
	"github.com/skysprint/scorerelay/lib/store"
	"github.com/skysprint/scorerelay/lib/telemetry"
	"sigs.k8s.io/yaml"
)

var (
	auditLog                 = flag.String("audit-log", "", "if set, write one JSON line per relayed score to this file")
	auditLogMaxSize          = flag.Int("audit-log-max-size", 64, "size in megabytes after which the audit log is rotated")
	auditLogMaxBackups       = flag.Int("audit-log-max-backups", 8, "number of rotated audit logs to keep")
	basePrefix               = flag.String("base-prefix", "", "base prefix (root URL) the application is served under e.g. /relay")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	chainID                  = flag.Int64("chain-id", 0, "chain id to sign transactions for, 0 asks the RPC node")
	configFname              = flag.String("config-fname", "", "full path to the relay config file (defaults to a sensible built-in config)")
	confirmTimeout           = flag.Duration("confirm-timeout", scorerelay.DefaultConfirmTimeout, "how long to wait for a score transaction to be confirmed")
	contractAddress          = flag.String("contract-address", "", "address of the scoring contract")
	ed25519PrivateKeyHex     = flag.String("attestation-ed25519-private-key-hex", "", "if set, sign receipt attestations with this ed25519 seed")
	ed25519PrivateKeyHexFile = flag.String("attestation-ed25519-private-key-hex-file", "", "file name containing value for attestation-ed25519-private-key-hex")
	extractConfig            = flag.String("extract-config", "", "if set, extract the built-in config files to the specified folder")
	gasLimit                 = flag.Uint64("gas-limit", scorerelay.DefaultGasLimit, "gas limit for every submitScore transaction")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against the relay")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	printConfig              = flag.Bool("print-config", false, "print the effective config file and exit")
	relayerPrivateKeyHex     = flag.String("relayer-private-key-hex", "", "secp256k1 private key of the account that pays for score transactions")
	relayerPrivateKeyHexFile = flag.String("relayer-private-key-hex-file", "", "file name containing value for relayer-private-key-hex")
	rpcURL                   = flag.String("rpc-url", scorerelay.DefaultRPCURL, "JSON-RPC endpoint of the chain the scoring contract lives on")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running the relay on bare metal")
	versionFlag              = flag.Bool("version", false, "print relay version")
)

// envAliases are older environment variable names still honored when the
// flag and its own environment variable are unset.
var envAliases = map[string]string{
	"relayer-private-key-hex": "SCORE_RELAYER_PK",
	"rpc-url":                 "CELO_RPC_URL",
}

func applyEnvAliases() {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for name, env := range envAliases {
		if set[name] {
			continue
		}

		if val, ok := os.LookupEnv(env); ok && val != "" {
			if err := flag.Set(name, val); err != nil {
				log.Fatalf("can't apply %s to -%s: %v", env, name, err)
			}
		}
	}
}

func keyFromHex(value string) (ed25519.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("supplied key is not hex-encoded: %w", err)
	}

	if len(keyBytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("supplied key is not %d bytes long, got %d bytes", ed25519.SeedSize, len(keyBytes))
	}

	return ed25519.NewKeyFromSeed(keyBytes), nil
}

// secretFromFlags returns the value of a secret given either inline or as a
// file, never both.
func secretFromFlags(inline, fname, what string) (string, error) {
	switch {
	case inline != "" && fname != "":
		return "", fmt.Errorf("do not specify both %s and %s_FILE", what, what)
	case fname != "":
		data, err := os.ReadFile(fname)
		if err != nil {
			return "", fmt.Errorf("failed to read %s_FILE %s: %w", what, fname, err)
		}
		return string(bytes.TrimSpace(data)), nil
	default:
		return inline, nil
	}
}

// healthzURL is where the metrics listener bound to bind serves its health
// endpoint under prefix.
func healthzURL(bind, prefix string) string {
	return "http://localhost" + bind + prefix + "/healthz"
}

func doHealthCheck(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch health status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :4259
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		err = os.Chmod(address, os.FileMode(mode))
		if err != nil {
			err := listener.Close()
			if err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func main() {
	flagenv.Parse()
	flag.Parse()
	applyEnvAliases()

	if *versionFlag {
		fmt.Println("scorerelay", scorerelay.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		if err := doHealthCheck(healthzURL(*metricsBind, *basePrefix)); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *extractConfig != "" {
		if err := extractEmbedFS(data.Configs, ".", *extractConfig); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Extracted embedded config files to %s\n", *extractConfig)
		return
	}

	cfg, err := librelay.LoadConfigOrDefault(*configFname)
	if err != nil {
		log.Fatalf("can't load config file: %v", err)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("can't marshal config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	if *basePrefix != "" && !strings.HasPrefix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must start with a slash, eg: /%s", *basePrefix)
	} else if strings.HasSuffix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must not end with a slash")
	}

	if !common.IsHexAddress(*contractAddress) {
		log.Fatalf("[misconfiguration] CONTRACT_ADDRESS %q is not a valid address", *contractAddress)
	}
	contract := common.HexToAddress(*contractAddress)

	relayerKeyHex, err := secretFromFlags(*relayerPrivateKeyHex, *relayerPrivateKeyHexFile, "RELAYER_PRIVATE_KEY_HEX")
	if err != nil {
		log.Fatal(err)
	}

	relayerKey, err := chain.ParsePrivateKey(relayerKeyHex)
	if err != nil {
		log.Fatalf("[misconfiguration] RELAYER_PRIVATE_KEY_HEX: %v", err)
	}

	var ed25519Priv ed25519.PrivateKey
	attestationKeyHex, err := secretFromFlags(*ed25519PrivateKeyHex, *ed25519PrivateKeyHexFile, "ATTESTATION_ED25519_PRIVATE_KEY_HEX")
	if err != nil {
		log.Fatal(err)
	}
	if attestationKeyHex != "" {
		ed25519Priv, err = keyFromHex(attestationKeyHex)
		if err != nil {
			log.Fatalf("failed to parse and validate ATTESTATION_ED25519_PRIVATE_KEY_HEX: %v", err)
		}
	}

	// install signal handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Build(ctx, cfg.Store.Backend, cfg.Store.Parameters)
	if err != nil {
		log.Fatalf("can't build %s nonce store: %v", cfg.Store.Backend, err)
	}

	registry, err := nonce.New(nonce.Options{
		Store:            st,
		Contract:         contract,
		TTL:              cfg.Nonce.TTL(),
		ExpiredRetention: cfg.Nonce.ExpiredRetention(),
	})
	if err != nil {
		log.Fatalf("can't construct nonce registry: %v", err)
	}

	validator, err := telemetry.NewValidator(cfg.Telemetry)
	if err != nil {
		log.Fatalf("can't construct telemetry validator: %v", err)
	}

	var id *big.Int
	if *chainID != 0 {
		id = big.NewInt(*chainID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	submitter, err := chain.New(dialCtx, chain.Options{
		RPCURL:         *rpcURL,
		PrivateKey:     relayerKey,
		Contract:       contract,
		ChainID:        id,
		GasLimit:       *gasLimit,
		ConfirmTimeout: *confirmTimeout,
	})
	cancel()
	if err != nil {
		log.Fatalf("can't construct chain relay: %v", err)
	}

	audit, auditCloser := internal.NewAuditLogger(*auditLog, *auditLogMaxSize, *auditLogMaxBackups)
	defer auditCloser.Close()

	s, err := librelay.New(librelay.Options{
		Registry:          registry,
		Validator:         validator,
		Verifier:          signature.NewVerifier(signature.Ethereum{}),
		Submitter:         submitter,
		Contract:          contract,
		BasePrefix:        *basePrefix,
		ED25519PrivateKey: ed25519Priv,
		AuditLog:          audit,
	})
	if err != nil {
		log.Fatalf("can't construct lib.Server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.RequestID(h)
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"version", scorerelay.Version,
		"contract", contract.Hex(),
		"relayer", submitter.From().Hex(),
		"rpc-url", *rpcURL,
		"store", cfg.Store.Backend,
		"nonce-ttl", cfg.Nonce.TTL(),
		"telemetry-bounds", cfg.Telemetry,
		"digest-version", scorerelay.DigestVersion,
		"attestations", ed25519Priv != nil,
		"audit-log", *auditLog,
		"use-remote-address", *useRemoteAddress,
		"base-prefix", *basePrefix,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	srv := http.Server{Handler: metricsMux(*basePrefix), ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func metricsMux(prefix string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(prefix+"/metrics", promhttp.Handler())
	mux.HandleFunc(prefix+"/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	})

	return mux
}

func extractEmbedFS(fsys embed.FS, root string, destDir string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, root, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}

		embeddedData, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}

		return os.WriteFile(destPath, embeddedData, 0o644)
	})
}
