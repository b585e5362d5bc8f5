// Command brokerd is the broker daemon. In its default mode it exposes the
// action router over HTTP; with -adapter it instead runs as the auxiliary
// subprocess that makes outbound calls to the remote storage service on
// the daemon's behalf, matching spec §4.3's two-process split.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/privatedatabroker/pdb/internal/auth"
	"github.com/privatedatabroker/pdb/internal/broker"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/platform"
	"github.com/privatedatabroker/pdb/internal/router"
)

func main() {
	adapterMode := flag.Bool("adapter", false, "run as the auxiliary subprocess instead of the daemon")
	baseURL := flag.String("base-url", os.Getenv("PDM_SERVER_URL"), "remote storage service base URL (auxiliary mode)")
	listenAddr := flag.String("listen", ":8787", "address the action router listens on")
	storeDir := flag.String("store-dir", "", "file-backed secret store directory")
	mongoURI := flag.String("mongo-uri", "", "MongoDB URI for the secret store (optional)")
	mongoDB := flag.String("mongo-db", "pdb", "MongoDB database name")
	mongoColl := flag.String("mongo-coll", "secrets", "MongoDB collection name")
	fallbackDir := flag.String("fallback-dir", "", "directory for Fallback-mode document/grant persistence")
	pairingHash := flag.String("pairing-hash", os.Getenv("PDB_PAIRING_HASH"), "argon2id-encoded pairing secret hash, minted by brokerctl pair")
	flag.Parse()

	if *adapterMode {
		runAdapter(*baseURL)
		return
	}

	logger := log.New(os.Stdout, "[brokerd] ", log.LstdFlags|log.Lshortfile)

	if err := platform.DisableCoreDumps(); err != nil {
		logger.Printf("DisableCoreDumps: %v (continuing)", err)
	}

	self, err := os.Executable()
	if err != nil {
		logger.Fatalf("os.Executable: %v", err)
	}

	cfg := broker.Config{
		StoreDir:          *storeDir,
		MongoURI:          *mongoURI,
		MongoDB:           *mongoDB,
		MongoColl:         *mongoColl,
		FallbackDir:       *fallbackDir,
		RemoteBaseURL:     *baseURL,
		AdapterPath:       self,
		AdapterArgs:       []string{"-adapter", "-base-url", *baseURL},
		PairingSecretHash: *pairingHash,
	}

	b, err := broker.New(context.Background(), cfg)
	if err != nil {
		logger.Fatalf("broker.New: %v", err)
	}

	srv := newHTTPServer(b, logger)
	logger.Printf("listening on %s", *listenAddr)
	logger.Fatal(http.ListenAndServe(*listenAddr, srv))
}

func runAdapter(baseURL string) {
	if baseURL == "" {
		log.Fatal("brokerd -adapter: -base-url (or PDM_SERVER_URL) is required")
	}
	sessionKey := []byte(os.Getenv(netadapter.PDBAdapterKeyEnv))
	if len(sessionKey) == 0 {
		log.Fatalf("brokerd -adapter: %s not set", netadapter.PDBAdapterKeyEnv)
	}
	if err := netadapter.RunAuxiliary(context.Background(), baseURL, sessionKey); err != nil {
		log.Fatalf("RunAuxiliary: %v", err)
	}
}

// httpServer fronts the action router and the pairing endpoint, matching
// internal/server.Server's ServeHTTP shape: default CORS headers, then a
// small allowlist of paths reachable without a bearer token.
type httpServer struct {
	b      *broker.Broker
	logger *log.Logger
	mux    *http.ServeMux
}

func newHTTPServer(b *broker.Broker, logger *log.Logger) *httpServer {
	s := &httpServer{b: b, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/pair", s.handlePair)
	s.mux.HandleFunc("/api/action", s.handleAction)
	return s
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	s.mux.ServeHTTP(w, r)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handlePair exchanges a pairing secret minted by `brokerctl pair` for a
// short-lived bearer token, the token the action router's sender
// validation (spec §4.8 step 2) then requires of every subsequent request
// from the host-controlled local UI surface.
func (s *httpServer) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req auth.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !s.b.Principal.VerifyPairingSecret(req.PairingSecret) {
		http.Error(w, "bad pairing secret", http.StatusUnauthorized)
		return
	}
	token, expires, err := s.b.Signer.IssueToken(s.b.Principal.Name, s.b.Principal.Roles)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(auth.PairResponse{Token: token, ExpiresAt: expires.UnixMilli()})
}

func (s *httpServer) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	resp := s.b.Router.Dispatch(ctx, req)
	_ = json.NewEncoder(w).Encode(resp)
}
