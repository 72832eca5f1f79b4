// Package storage keeps document files and signature images on the local
// filesystem and hands out expiring signed download URLs.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrNotFound     = errors.New("storage: object not found")
	ErrInvalidToken = errors.New("storage: invalid or expired token")
)

// Blobs is the surface the services depend on.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	SignedURL(key string) (string, time.Time)
}

// VersionKey follows {user_id}/{document_id}/version_{n}_{filename}.
func VersionKey(userID, documentID string, version int, fileName string) string {
	return path.Join(userID, documentID, fmt.Sprintf("version_%d_%s", version, cleanName(fileName)))
}

func SignatureKey(userID, documentID, requestID string) string {
	return path.Join(userID, documentID, "signatures", requestID+".png")
}

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':':
			return '_'
		}
		return r
	}, name)
}

const compressedSuffix = ".zst"

type FS struct {
	root     string
	key      []byte
	ttl      time.Duration
	compress bool
	baseURL  string
	now      func() time.Time
}

type Options struct {
	Root       string
	SigningKey string
	URLTTL     time.Duration
	Compress   bool
	// BaseURL is the public prefix signed URLs are built on, e.g. https://host.
	BaseURL string
}

func NewFS(opts Options) (*FS, error) {
	if opts.Root == "" {
		return nil, errors.New("storage: root is empty")
	}
	if err := os.MkdirAll(opts.Root, 0o750); err != nil {
		return nil, err
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = 15 * time.Minute
	}
	return &FS{
		root:     opts.Root,
		key:      []byte(opts.SigningKey),
		ttl:      opts.URLTTL,
		compress: opts.Compress,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		now:      time.Now,
	}, nil
}

func (s *FS) resolve(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("storage: invalid key %q", key)
		}
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes r under key and returns the number of uncompressed bytes read.
func (s *FS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, err
	}
	if s.compress {
		p += compressedSuffix
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	var n int64
	if s.compress {
		enc, err := zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			return 0, err
		}
		n, err = io.Copy(enc, contextReader{ctx, r})
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			tmp.Close()
			return 0, err
		}
	} else {
		n, err = io.Copy(tmp, contextReader{ctx, r})
		if err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *FS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if f, err := os.Open(p + compressedSuffix); err == nil {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &zstdReadCloser{dec: dec, f: f}, nil
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes key in whichever form it was written; a missing object is not an error.
func (s *FS) Delete(_ context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, candidate := range []string{p, p + compressedSuffix} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// SignedURL returns {baseURL}/files/{token}. The token is
// base64url(key "|" unix-expiry) "." base64url(hmac-sha256).
func (s *FS) SignedURL(key string) (string, time.Time) {
	exp := s.now().Add(s.ttl).UTC().Truncate(time.Second)
	payload := key + "|" + strconv.FormatInt(exp.Unix(), 10)
	token := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(s.mac(payload))
	return s.baseURL + "/files/" + token, exp
}

// VerifyToken returns the object key a token grants access to.
func (s *FS) VerifyToken(token string) (string, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrInvalidToken
	}
	gotMAC, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(gotMAC, s.mac(string(raw))) {
		return "", ErrInvalidToken
	}
	key, expStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return "", ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return "", ErrInvalidToken
	}
	return key, nil
}

func (s *FS) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
