// Package integration prepares a cluster for the DC/OS integration tests: it
// syncs a DC/OS checkout onto the masters and builds the environment the
// tests run in.
package integration

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Locations on the masters.
const (
	NodeTestDir      = "/opt/mesosphere/active/dcos-integration-test"
	NodePythonLibDir = "/opt/mesosphere/lib"
	// OpenSourceTestsDir holds the open source tests on an enterprise cluster,
	// next to the enterprise ones.
	OpenSourceTestsDir = NodeTestDir + "/open_source_tests"
)

// CheckoutEnv names the default DC/OS checkout directory.
const CheckoutEnv = "DCOS_CHECKOUT_DIR"

// Paths inside a DC/OS checkout.
var (
	checkoutTestDir      = filepath.Join("packages", "dcos-integration-test", "extra")
	checkoutBootstrapDir = filepath.Join("packages", "bootstrap", "extra", "dcos_internal_utils")
	// Only enterprise checkouts ship the IAM service.
	checkoutEnterpriseMarker = filepath.Join("packages", "bouncer")
)

// NotACheckoutError is returned when a directory has no integration tests.
type NotACheckoutError struct {
	Dir string
}

func (e *NotACheckoutError) Error() string {
	return fmt.Sprintf("'%s' is not a DC/OS checkout: '%s' does not exist", e.Dir, filepath.Join(e.Dir, checkoutTestDir))
}

// CheckoutVariant tells which DC/OS variant the checkout at dir builds.
func CheckoutVariant(dir string) (platform.Variant, error) {
	if !isDir(filepath.Join(dir, checkoutTestDir)) {
		return "", &NotACheckoutError{Dir: dir}
	}
	return lo.Ternary(isDir(filepath.Join(dir, checkoutEnterpriseMarker)), platform.Enterprise, platform.Community), nil
}

type syncTarget struct {
	local  string
	remote string
}

// SyncCheckout copies the integration tests of the checkout at dir onto every
// master. When the checkout builds the cluster's variant, the bootstrap
// utilities are synced as well. Open source tests synced onto an enterprise
// cluster land in OpenSourceTestsDir.
func SyncCheckout(ctx context.Context, c *cluster.Cluster, dir string, logger *slog.Logger) error {
	logger = lo.Ternary(logger != nil, logger, slog.Default()).With("cluster", c.ID(), "checkout", dir)

	checkoutVariant, err := CheckoutVariant(dir)
	if err != nil {
		return err
	}
	masters := c.Masters()
	if len(masters) == 0 {
		return fmt.Errorf("cluster '%s' has no master to sync to", c.ID())
	}

	testDir := lo.Ternary(c.Variant() == platform.Enterprise && checkoutVariant == platform.Community, OpenSourceTestsDir, NodeTestDir)
	targets := []syncTarget{{local: filepath.Join(dir, checkoutTestDir), remote: testDir}}

	if checkoutVariant == c.Variant() {
		pythonDir, err := pythonLibDir(ctx, masters[0])
		if err != nil {
			return err
		}
		targets = append(targets, syncTarget{
			local:  filepath.Join(dir, checkoutBootstrapDir),
			remote: path.Join(pythonDir, "site-packages", "dcos_internal_utils"),
		})
	} else {
		logger.Info("Checkout variant differs from the cluster variant, not syncing bootstrap utilities", "checkout_variant", checkoutVariant, "cluster_variant", c.Variant())
	}

	for _, target := range targets {
		archive, err := archiveDir(target.local)
		if err != nil {
			return err
		}
		defer func() { _ = os.Remove(archive) }()

		logger.Info("Syncing to masters", "local", target.local, "remote", target.remote)
		g, gctx := errgroup.WithContext(ctx)
		for _, master := range masters {
			g.Go(func() error {
				return extractOn(gctx, master, archive, target.remote)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// pythonLibDir finds the python installation of a DC/OS node, which differs
// between DC/OS versions.
func pythonLibDir(ctx context.Context, n *node.Node) (string, error) {
	result, err := n.RunAsRoot(ctx, []string{"ls", NodePythonLibDir}, node.RunOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list python installations on node %s: %w", n, err)
	}
	for _, entry := range strings.Fields(string(result.Stdout)) {
		if strings.HasPrefix(entry, "python") {
			return path.Join(NodePythonLibDir, entry), nil
		}
	}
	return "", fmt.Errorf("no python installation in %s on node %s", NodePythonLibDir, n)
}

func extractOn(ctx context.Context, n *node.Node, archive, remoteDir string) error {
	remoteArchive := path.Join("/tmp", filepath.Base(archive))
	if err := n.SendFile(ctx, archive, remoteArchive, node.SendFileOptions{User: node.RootUser}); err != nil {
		return err
	}
	_, err := n.RunAsRoot(ctx, []string{
		"mkdir", "-p", shellescape.Quote(remoteDir),
		"&&", "tar", "-xzf", shellescape.Quote(remoteArchive), "-C", shellescape.Quote(remoteDir),
		"&&", "rm", "-f", shellescape.Quote(remoteArchive),
	}, node.RunOptions{Shell: true})
	if err != nil {
		return fmt.Errorf("failed to extract into '%s' on node %s: %w", remoteDir, n, err)
	}
	return nil
}

// archiveDir writes a gzip compressed tarball of dir, without python caches,
// to a temporary file and returns its path.
func archiveDir(dir string) (_ string, err error) {
	if !isDir(dir) {
		return "", fmt.Errorf("'%s' is not a directory", dir)
	}
	file, err := os.CreateTemp("", "minidcos-sync-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
		if err != nil {
			_ = os.Remove(file.Name())
		}
	}()

	compressed := gzip.NewWriter(file)
	archive := tar.NewWriter(compressed)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if d.IsDir() && d.Name() == "__pycache__" {
			return filepath.SkipDir
		}
		if strings.HasSuffix(d.Name(), ".pyc") {
			return nil
		}
		return addToArchive(archive, dir, p, d)
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive '%s': %w", dir, err)
	}
	if err := archive.Close(); err != nil {
		return "", err
	}
	if err := compressed.Close(); err != nil {
		return "", err
	}
	return file.Name(), nil
}

func addToArchive(archive *tar.Writer, root, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		header.Name += "/"
	}
	if err := archive.WriteHeader(header); err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	content, err := os.Open(p)
	if err != nil {
		return err
	}
	defer content.Close()
	_, err = io.Copy(archive, content)
	return err
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
