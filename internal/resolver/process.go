package resolver

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"FlowWarden/internal/model"
)

// ProcResolver resolves the host's process token, a decimal pid, to a
// process descriptor read from a procfs tree. Results are cached per pid.
type ProcResolver struct {
	root       string
	cache      *lru.LRU[int, *model.ProcessDescriptor]
	lookupUser func(uid uint32) string
}

type ProcOption func(r *ProcResolver)

// WithUserLookup replaces the uid to username lookup.
func WithUserLookup(fn func(uid uint32) string) ProcOption {
	return func(r *ProcResolver) {
		r.lookupUser = fn
	}
}

// NewProcResolver creates a resolver reading from root (usually /proc) with a
// cache of maxSize entries that expire after ttl.
func NewProcResolver(root string, ttl time.Duration, maxSize int, opts ...ProcOption) *ProcResolver {
	r := &ProcResolver{
		root:       root,
		cache:      lru.NewLRU[int, *model.ProcessDescriptor](maxSize, nil, ttl),
		lookupUser: systemUsername,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the process for token along with its direct parent.
func (r *ProcResolver) Resolve(token string) (*model.ProcessDescriptor, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(token))
	if err != nil || pid <= 0 {
		return nil, false
	}
	if p, ok := r.cache.Get(pid); ok {
		return p, true
	}

	p, err := r.read(pid)
	if err != nil {
		return nil, false
	}
	if p.PPID > 0 {
		if parent, err := r.read(p.PPID); err == nil {
			p.Parent = parent
		}
	}
	r.cache.Add(pid, p)
	return p, true
}

func (r *ProcResolver) read(pid int) (*model.ProcessDescriptor, error) {
	dir := filepath.Join(r.root, strconv.Itoa(pid))

	exe, err := os.Readlink(filepath.Join(dir, "exe"))
	if err != nil {
		return nil, fmt.Errorf("failed to read exe link of pid %d: %w", pid, err)
	}
	ppid, uid, err := readStatus(filepath.Join(dir, "status"))
	if err != nil {
		return nil, fmt.Errorf("failed to read status of pid %d: %w", pid, err)
	}

	p := &model.ProcessDescriptor{
		PID:      pid,
		PPID:     ppid,
		UID:      uid,
		Username: r.lookupUser(uid),
		Path:     exe,
	}
	// hashes stay empty when the binary cannot be read
	p.SHA256, p.MD5, _ = hashFile(exe)
	return p, nil
}

func readStatus(path string) (ppid int, uid uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var seenPPid, seenUid bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		switch key {
		case "PPid":
			if v, perr := strconv.Atoi(fields[0]); perr == nil {
				ppid, seenPPid = v, true
			}
		case "Uid":
			// real, effective, saved, filesystem
			if v, perr := strconv.ParseUint(fields[0], 10, 32); perr == nil {
				uid, seenUid = uint32(v), true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	if !seenPPid || !seenUid {
		return 0, 0, fmt.Errorf("status file %s lacks PPid or Uid", path)
	}
	return ppid, uid, nil
}

func hashFile(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	s, m := sha256.New(), md5.New()
	if _, err := io.Copy(io.MultiWriter(s, m), f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(s.Sum(nil)), hex.EncodeToString(m.Sum(nil)), nil
}

func systemUsername(uid uint32) string {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return ""
	}
	return u.Username
}
