package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

const lockName = ".lock"

// FileStore 每个 (method, 永久身份) 保存为目录中的一个 YAML 文件。
// 读写都持有目录锁文件上的 flock，写入经临时文件 + rename 原子替换。
type FileStore struct {
	dir string
	now func() time.Time
}

// fileRecord 是磁盘格式，MK 以十六进制保存
type fileRecord struct {
	Method    Method    `yaml:"method"`
	Permanent string    `yaml:"permanent"`
	Pseudonym string    `yaml:"pseudonym,omitempty"`
	ReauthID  string    `yaml:"reauth_id,omitempty"`
	MK        string    `yaml:"mk,omitempty"`
	Counter   uint16    `yaml:"counter"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// NewFileStore 创建 (必要时) 目录并返回 FileStore
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("创建状态目录失败: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (f *FileStore) path(method Method, permanent string) string {
	// 身份里可能有 '/' 等字符，文件名使用十六进制
	return filepath.Join(f.dir, fmt.Sprintf("%s-%x.yaml", method, permanent))
}

// lock 获取目录锁，返回的函数释放锁并关闭锁文件
func (f *FileStore) lock(how int) (unlock func() error, err error) {
	lf, err := os.OpenFile(filepath.Join(f.dir, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		return nil, multierr.Append(fmt.Errorf("flock: %w", err), lf.Close())
	}
	return func() error {
		return multierr.Append(unix.Flock(int(lf.Fd()), unix.LOCK_UN), lf.Close())
	}, nil
}

func (f *FileStore) Load(method Method, permanent string) (st *IdentityState, err error) {
	unlock, err := f.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, unlock()) }()

	raw, err := os.ReadFile(f.path(method, permanent))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec fileRecord
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("解析状态文件失败: %w", err)
	}
	mk, err := hex.DecodeString(rec.MK)
	if err != nil {
		return nil, fmt.Errorf("状态文件 MK 无效: %w", err)
	}
	st = &IdentityState{
		Method:    rec.Method,
		Permanent: rec.Permanent,
		Pseudonym: rec.Pseudonym,
		ReauthID:  rec.ReauthID,
		Counter:   rec.Counter,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(mk) > 0 {
		st.MK = mk
	}
	if st.Method != method || st.Permanent != permanent {
		return nil, fmt.Errorf("%w: 文件内容与键不符", ErrInvalidState)
	}
	return st, nil
}

func (f *FileStore) Save(state *IdentityState) (err error) {
	if err := state.validate(); err != nil {
		return err
	}
	rec := fileRecord{
		Method:    state.Method,
		Permanent: state.Permanent,
		Pseudonym: state.Pseudonym,
		ReauthID:  state.ReauthID,
		MK:        hex.EncodeToString(state.MK),
		Counter:   state.Counter,
		UpdatedAt: f.now().UTC(),
	}
	raw, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}

	unlock, err := f.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, unlock()) }()

	return writeAtomic(f.path(state.Method, state.Permanent), raw)
}

func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Sync(); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
