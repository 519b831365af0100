package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"wcf-bridge/message"
	"wcf-bridge/transport"
)

// ErrNotDownloaded is wrapped in a DeliveryError when the image never became decryptable
// within the download wait.
var ErrNotDownloaded = errors.New("image not downloaded")

// ImageClient is the part of the session ImageSaver drives.
type ImageClient interface {
	Contacts(ctx context.Context) ([]message.Contact, error)
	DownloadAttach(ctx context.Context, id uint64, thumb, extra string) error
	DecryptImage(ctx context.Context, src, dir string) (string, error)
}

// ImageSaverConfig configures ImageSaver.
type ImageSaverConfig struct {
	Dir          string
	DownloadWait time.Duration // how long DecryptImage is retried while the download lands
}

// ImageSaver stores every inbound image under a folder named after its sender:
//
//	<dir>/<nickname>/1.jpg
//	<dir>/<nickname>/2.png
//
// Numbers continue from the highest existing .jpg or .png in the folder. Other message
// kinds pass through untouched.
type ImageSaver struct {
	dir    string
	wait   time.Duration
	client func() ImageClient
	logger *zap.Logger

	mu sync.Mutex // serialises numbering so concurrent saves never share a number

	namesMu sync.Mutex
	names   map[string]string // wxid -> nickname
}

// NewImageSaver creates the saver. client is asked for the live session on every message
// and may return nil while disconnected.
func NewImageSaver(cfg ImageSaverConfig, client func() ImageClient, logger *zap.Logger) *ImageSaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DownloadWait <= 0 {
		cfg.DownloadWait = 30 * time.Second
	}
	return &ImageSaver{
		dir:    cfg.Dir,
		wait:   cfg.DownloadWait,
		client: client,
		logger: logger.Named("images"),
		names:  make(map[string]string),
	}
}

func (s *ImageSaver) Forward(ctx context.Context, msg *message.WxMsg) error {
	if msg.Type != message.KindImage {
		return nil
	}
	path, err := s.save(ctx, msg)
	if err != nil {
		return &DeliveryError{MsgID: msg.ID, Target: s.dir, Err: err}
	}
	s.logger.Info("image saved", zap.Uint64("id", msg.ID), zap.String("sender", msg.Sender), zap.String("path", path))
	return nil
}

func (s *ImageSaver) save(ctx context.Context, msg *message.WxMsg) (string, error) {
	client := s.client()
	if client == nil {
		return "", errors.New("no session")
	}
	if msg.Extra == "" {
		return "", errors.New("image message without attachment path")
	}

	if err := client.DownloadAttach(ctx, msg.ID, "", msg.Extra); err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	plain, err := s.decrypt(ctx, client, msg.Extra)
	if err != nil {
		return "", err
	}

	folder := filepath.Join(s.dir, s.nickname(ctx, client, msg.Sender))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(plain))
	if ext == "" {
		ext = ".jpg"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := nextImageNumber(folder)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(folder, strconv.Itoa(n)+ext)
	if err := moveFile(plain, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// decrypt retries until the module reports a decrypted path. The module answers an empty
// path while the download is still in progress.
func (s *ImageSaver) decrypt(ctx context.Context, client ImageClient, src string) (string, error) {
	staging := filepath.Join(s.dir, ".incoming")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = s.wait
	bo.Reset()

	var plain string
	err := backoff.Retry(func() error {
		out, err := client.DecryptImage(ctx, src, staging)
		if err != nil {
			if transport.IsConnectionError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if out == "" {
			return ErrNotDownloaded
		}
		plain = out
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", src, err)
	}
	return plain, nil
}

// nickname resolves wxid to a folder name, refreshing the contact list on a miss.
func (s *ImageSaver) nickname(ctx context.Context, client ImageClient, wxid string) string {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	if name, ok := s.names[wxid]; ok {
		return name
	}
	contacts, err := client.Contacts(ctx)
	if err != nil {
		s.logger.Warn("contacts unavailable, saving under wxid", zap.String("wxid", wxid), zap.Error(err))
		return folderName(wxid, wxid)
	}
	for _, c := range contacts {
		s.names[c.Wxid] = folderName(c.Name, c.Wxid)
	}
	if name, ok := s.names[wxid]; ok {
		return name
	}
	return folderName(wxid, wxid)
}

// folderName makes name safe as a single path element, falling back to wxid.
func folderName(name, wxid string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, name)
	clean = strings.Trim(clean, " .")
	if clean == "" {
		if name == wxid {
			return "unknown"
		}
		return folderName(wxid, wxid)
	}
	return clean
}

// nextImageNumber returns one past the highest numbered .jpg or .png in folder, 1 when
// there is none. Files whose stem is not a number are ignored.
func nextImageNumber(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if e.IsDir() || (ext != ".jpg" && ext != ".png") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name))); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// moveFile renames src to dst, copying when they live on different volumes.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
