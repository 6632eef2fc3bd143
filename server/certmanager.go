package server

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// CertManager reloads the TLS certificate when the files change on
// disk, so renewals do not need a restart.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	lastModTime time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewCertManager loads the pair and starts watching its directories.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}

	if err := cm.loadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	cm.watcher = watcher

	// Watch the directories, not the files, so symlink swaps are seen
	certDir := filepath.Dir(certPath)
	keyDir := filepath.Dir(keyPath)

	if err := watcher.Add(certDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch certificate directory: %w", err)
	}

	if certDir != keyDir {
		if err := watcher.Add(keyDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch key directory: %w", err)
		}
	}

	go cm.watch()

	return cm, nil
}

func (cm *CertManager) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.lastModTime = certInfo.ModTime()
	cm.mu.Unlock()

	zlog.Info("TLS certificate loaded", "cert", cm.certPath, "modTime", certInfo.ModTime())

	return nil
}

// GetCertificate returns the current certificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, fmt.Errorf("no certificate available")
	}

	return cm.certificate, nil
}

// GetTLSConfig returns a fresh config using dynamic certificate loading.
func (cm *CertManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	// fsnotify can miss events, check periodically as well
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.isRelevantEvent(event) {
				zlog.Debug("Certificate file event", "event", event.String())
				cm.checkAndReload()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Certificate watcher error", "error", err.Error())

		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

func (cm *CertManager) isRelevantEvent(event fsnotify.Event) bool {
	eventPath := event.Name

	certName := filepath.Base(cm.certPath)
	keyName := filepath.Base(cm.keyPath)
	eventName := filepath.Base(eventPath)

	return eventName == certName || eventName == keyName ||
		eventPath == cm.certPath || eventPath == cm.keyPath
}

func (cm *CertManager) checkAndReload() {
	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		zlog.Error("Failed to stat certificate file", "path", cm.certPath, "error", err.Error())
		return
	}

	cm.mu.RLock()
	lastMod := cm.lastModTime
	cm.mu.RUnlock()

	if certInfo.ModTime().After(lastMod) {
		zlog.Info("Certificate file changed, reloading", "path", cm.certPath)
		if err := cm.Reload(); err != nil {
			zlog.Error("Failed to reload certificate", "error", err.Error())
		}
	}
}

// Reload forces a certificate reload.
func (cm *CertManager) Reload() error {
	return cm.loadCertificate()
}

// Stop stops the watcher.
func (cm *CertManager) Stop() {
	close(cm.stopCh)
}
