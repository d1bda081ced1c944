package installer

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/gammadia/minidcos/node"
	"github.com/mitchellh/go-homedir"
)

// GenconfDir is where the installer reads its inputs on the bootstrap node.
const GenconfDir = "/genconf"

// FileCopy pairs a local path with its destination on a node.
type FileCopy struct {
	Local  string
	Remote string
}

// ParseFileCopy parses "<local>:<remote>". The remote path must be absolute.
func ParseFileCopy(s string) (FileCopy, error) {
	local, remote, ok := strings.Cut(s, ":")
	if !ok || local == "" || remote == "" {
		return FileCopy{}, fmt.Errorf("'%s' is not in the format <local path>:<remote path>", s)
	}
	if !path.IsAbs(remote) {
		return FileCopy{}, fmt.Errorf("remote path '%s' must be absolute", remote)
	}

	local, err := homedir.Expand(local)
	if err != nil {
		return FileCopy{}, fmt.Errorf("failed to expand '%s': %w", local, err)
	}
	return FileCopy{Local: local, Remote: remote}, nil
}

// GenconfFiles maps every file below dir to the same relative path inside
// GenconfDir.
func GenconfFiles(dir string) ([]FileCopy, error) {
	return expand(FileCopy{Local: dir, Remote: GenconfDir})
}

// expand turns a directory copy into one copy per regular file below it.
func expand(c FileCopy) ([]FileCopy, error) {
	var files []FileCopy
	err := filepath.WalkDir(c.Local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.Local, p)
		if err != nil {
			return err
		}
		remote := c.Remote
		if rel != "." {
			remote = path.Join(c.Remote, filepath.ToSlash(rel))
		}
		files = append(files, FileCopy{Local: p, Remote: remote})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files of '%s': %w", c.Local, err)
	}
	return files, nil
}

// CopyToMasters sends every file, or every file below a directory, to each
// master node as root.
func CopyToMasters(ctx context.Context, masters []*node.Node, copies []FileCopy) error {
	for _, c := range copies {
		files, err := expand(c)
		if err != nil {
			return err
		}
		for _, master := range masters {
			if err := sendAll(ctx, master, files); err != nil {
				return err
			}
		}
	}
	return nil
}

func sendAll(ctx context.Context, n *node.Node, files []FileCopy) error {
	for _, file := range files {
		if err := n.SendFile(ctx, file.Local, file.Remote, node.SendFileOptions{User: node.RootUser}); err != nil {
			return err
		}
	}
	return nil
}

// genconfRemote places relative destinations inside GenconfDir.
func genconfRemote(remote string) string {
	if path.IsAbs(remote) {
		return remote
	}
	return path.Join(GenconfDir, remote)
}
