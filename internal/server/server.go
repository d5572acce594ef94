// Package server exposes cached offline resources over a loopback HTTP
// server so a browser or webview can load them without the network.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"cragpack/internal/logging"
	"cragpack/internal/offline"
	"cragpack/internal/store"
)

// DefaultObjectURLTTL is how long an issued object URL stays valid
const DefaultObjectURLTTL = 10 * time.Minute

// ErrNotRunning is returned when an object URL is requested before Start
var ErrNotRunning = errors.New("offline server is not running")

// BlobSource reads cached blobs
type BlobSource interface {
	Get(key string) (*store.Blob, error)
}

// Server manages the offline blob HTTP server
type Server struct {
	blobs  BlobSource
	tokens *cache.Cache
	log    logrus.FieldLogger

	mu      sync.RWMutex
	baseURL string
	http    *http.Server
}

// New creates a server reading from blobs. Object URLs expire after ttl.
func New(blobs BlobSource, ttl time.Duration, log logrus.FieldLogger) *Server {
	if ttl <= 0 {
		ttl = DefaultObjectURLTTL
	}
	return &Server{
		blobs:  blobs,
		tokens: cache.New(ttl, 2*ttl),
		log:    logging.Component(log, "server"),
	}
}

// URL returns the server base URL, empty until Start
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// corsMiddleware lets pages from any origin read offline resources
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler wrapped with CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /offline/crags/{id}", s.handleCragPage)
	mux.HandleFunc("GET /offline/image/{id}", s.handleImagePage)
	mux.HandleFunc("GET /offline/blob", s.handleBlob)
	mux.HandleFunc("GET /object/{token}", s.handleObject)
	return corsMiddleware(mux)
}

// Start listens on a random loopback port and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start offline server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.baseURL = "http://127.0.0.1:" + strconv.Itoa(port)
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("url", s.baseURL).Info("offline server started")

	srv := s.http
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("offline server stopped")
		}
	}()
	return nil
}

// Shutdown stops the server and drops every issued object URL
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.baseURL = ""
	s.mu.Unlock()

	s.tokens.Flush()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// IssueObjectURL returns a short-lived URL serving the blob stored under key
func (s *Server) IssueObjectURL(key string) (string, error) {
	base := s.URL()
	if base == "" {
		return "", ErrNotRunning
	}
	token := uuid.NewString()
	s.tokens.Set(token, key, cache.DefaultExpiration)
	return base + "/object/" + token, nil
}

// RevokeObjectURL invalidates a token before it expires
func (s *Server) RevokeObjectURL(token string) {
	s.tokens.Delete(token)
}

func (s *Server) handleCragPage(w http.ResponseWriter, r *http.Request) {
	s.serveBlob(w, offline.CragPagePath(r.PathValue("id")), false)
}

func (s *Server) handleImagePage(w http.ResponseWriter, r *http.Request) {
	s.serveBlob(w, offline.ImagePagePath(r.PathValue("id")), false)
}

// handleBlob serves photographs and other blobs by their cache key
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Missing key parameter", http.StatusBadRequest)
		return
	}
	s.serveBlob(w, key, true)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	v, found := s.tokens.Get(r.PathValue("token"))
	if !found {
		http.Error(w, "Object URL expired or unknown", http.StatusNotFound)
		return
	}
	s.serveBlob(w, v.(string), false)
}

func (s *Server) serveBlob(w http.ResponseWriter, key string, immutable bool) {
	blob, err := s.blobs.Get(key)
	if errors.Is(err, store.ErrBlobNotFound) {
		s.log.WithField("key", key).Debug("cache miss")
		http.Error(w, "Not available offline", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("failed to read blob")
		http.Error(w, "Failed to read cached resource", http.StatusInternalServerError)
		return
	}

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	if immutable {
		w.Header().Set("Cache-Control", "public, max-age=31536000")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.Header().Set("X-Cache-Status", "HIT")
	w.Write(blob.Data)
}
