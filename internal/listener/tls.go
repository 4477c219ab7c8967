package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/trac-platform/gateway/internal/logging"
)

// CertReloader serves the current certificate and swaps it in place when
// the files on disk change. Open connections keep the certificate they
// handshook with; new handshakes pick up the replacement.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewCertReloader loads the initial pair and starts watching both files'
// directories. Certificate rotations usually replace files by rename, so
// the directory is watched rather than the files themselves.
func NewCertReloader(certFile, keyFile string) (*CertReloader, error) {
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		done:     make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certificate watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(certFile): {},
		filepath.Dir(keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func (r *CertReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

func (r *CertReloader) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.concerns(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// The key may land moments after the cert; a failed pair load
			// keeps the previous certificate serving.
			if err := r.load(); err != nil {
				logging.Warnf("certificate reload: %v", err)
				continue
			}
			logging.Info("certificate reloaded")
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("certificate watcher: %v", err)
		case <-r.done:
			return
		}
	}
}

func (r *CertReloader) concerns(path string) bool {
	return filepath.Clean(path) == filepath.Clean(r.certFile) ||
		filepath.Clean(path) == filepath.Clean(r.keyFile)
}

// GetCertificate is the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// Close stops the file watcher.
func (r *CertReloader) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// TLSConfig builds the listener's TLS configuration with ALPN offering
// HTTP/2 and HTTP/1.1.
func TLSConfig(reloader *CertReloader) *tls.Config {
	return &tls.Config{
		GetCertificate: reloader.GetCertificate,
		NextProtos:     []string{WireHTTP2, WireHTTP1},
		MinVersion:     tls.VersionTLS12,
	}
}

// NewTLSListener wraps base with TLS termination backed by the reloader.
func NewTLSListener(base net.Listener, reloader *CertReloader) net.Listener {
	return tls.NewListener(base, TLSConfig(reloader))
}
