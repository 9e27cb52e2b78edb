package ca

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/ledger"
)

// BootstrapResult reports what Bootstrap created. Everything that already
// existed is left untouched.
type BootstrapResult struct {
	Created           []string
	RepositoryCreated bool
}

// Bootstrap lays out the state directory: ledgers, counters, the
// certificate store and the repository, then takes the initial checkpoint.
// It is safe to run repeatedly.
func (a *Authority) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	id, log := a.operation("bootstrap")
	res := &BootstrapResult{}

	for _, dir := range []string{a.dir, a.path(CertsDir)} {
		created, err := mkdirIfAbsent(dir)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
		if created {
			res.Created = append(res.Created, dir)
		}
	}

	files := []struct {
		name    string
		content string
	}{
		{X509IndexFile, ""},
		{SSHIndexFile, ""},
		{GitignoreFile, gitignore},
	}
	for _, f := range files {
		created, err := createIfAbsent(a.path(f.name), f.content)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", f.name, err)
		}
		if created {
			res.Created = append(res.Created, f.name)
		}
	}

	for _, name := range []string{SerialFile, CRLNumberFile} {
		created, err := ledger.InitCounter(a.path(name), InitialCounter)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		if created {
			res.Created = append(res.Created, name)
		}
	}

	created, err := a.repo.Init(ctx)
	if err != nil {
		return nil, err
	}
	res.RepositoryCreated = created

	err = a.commit(ctx, log, id, checkpoint.Message{Subject: "Initialize CA state"},
		X509IndexFile, SSHIndexFile, SerialFile, CRLNumberFile, GitignoreFile)
	if err != nil {
		return nil, err
	}

	if len(res.Created) > 0 || created {
		log.InfoContext(ctx, "bootstrapped CA state",
			slog.String("dir", a.dir),
			slog.Any("created", res.Created))
	} else {
		log.InfoContext(ctx, "CA state already bootstrapped", slog.String("dir", a.dir))
	}
	return res, nil
}

func mkdirIfAbsent(dir string) (bool, error) {
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(dir)
		if statErr != nil {
			return false, statErr
		}
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, err
}

func createIfAbsent(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
