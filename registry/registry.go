// Package registry answers which clusters exist. Backend node metadata is the
// only source of truth, so every call re-reads it.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/gammadia/minidcos/backend"
)

var clusterIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

type ClusterIDConflictError struct {
	ClusterID string
}

func (e *ClusterIDConflictError) Error() string {
	return fmt.Sprintf("A cluster with the id %q already exists.", e.ClusterID)
}

type ClusterNotFoundError struct {
	ClusterID string
}

func (e *ClusterNotFoundError) Error() string {
	return fmt.Sprintf("Cluster %q does not exist.", e.ClusterID)
}

// ExistingClusterIDs collects the cluster ids found on the backend's nodes.
func ExistingClusterIDs(ctx context.Context, lister backend.NodeLister) (map[string]struct{}, error) {
	labels, err := lister.NodeLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster nodes: %w", err)
	}

	ids := map[string]struct{}{}
	for _, l := range labels {
		if id := l.ClusterID(); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// SortedClusterIDs is ExistingClusterIDs in lexical order.
func SortedClusterIDs(ctx context.Context, lister backend.NodeLister) ([]string, error) {
	ids, err := ExistingClusterIDs(ctx, lister)
	if err != nil {
		return nil, err
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return sorted, nil
}

// CheckClusterIDUnique fails with *ClusterIDConflictError when id is one of
// the existing ids.
func CheckClusterIDUnique(existing map[string]struct{}, id string) error {
	if _, ok := existing[id]; ok {
		return &ClusterIDConflictError{ClusterID: id}
	}
	return nil
}

// CheckClusterIDExists fails with *ClusterNotFoundError when id is not one of
// the existing ids.
func CheckClusterIDExists(existing map[string]struct{}, id string) error {
	if _, ok := existing[id]; !ok {
		return &ClusterNotFoundError{ClusterID: id}
	}
	return nil
}

// RequireUnique reads the backend's cluster ids and applies
// CheckClusterIDUnique. Two concurrent creations may both pass.
func RequireUnique(ctx context.Context, lister backend.NodeLister, id string) error {
	ids, err := ExistingClusterIDs(ctx, lister)
	if err != nil {
		return err
	}
	return CheckClusterIDUnique(ids, id)
}

// RequireExists reads the backend's cluster ids and applies
// CheckClusterIDExists.
func RequireExists(ctx context.Context, lister backend.NodeLister, id string) error {
	ids, err := ExistingClusterIDs(ctx, lister)
	if err != nil {
		return err
	}
	return CheckClusterIDExists(ids, id)
}

// ValidateClusterID rejects ids that cannot be used as container names or labels.
func ValidateClusterID(id string) error {
	if !clusterIDPattern.MatchString(id) {
		return fmt.Errorf("invalid cluster id %q: it must start with a letter or digit and contain only letters, digits, '_', '.' and '-'", id)
	}
	return nil
}
