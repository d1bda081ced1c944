package hetzner

import (
	"encoding/base32"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	maxValueLength = 63
	chunkMarker    = ".part"
)

var (
	validValue = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?)?$`)
	encoding   = base32.HexEncoding.WithPadding(base32.NoPadding)
)

// encodeLabels makes tags acceptable as Hetzner labels. Values Hetzner would
// reject (paths, long strings) are base32 encoded and split over numbered
// "<key>.partN" labels.
func encodeLabels(tags map[string]string) map[string]string {
	labels := map[string]string{}
	for key, value := range tags {
		if len(value) <= maxValueLength && validValue.MatchString(value) {
			labels[key] = value
			continue
		}

		encoded := strings.ToLower(encoding.EncodeToString([]byte(value)))
		for i := 0; len(encoded) > 0; i++ {
			n := min(len(encoded), maxValueLength)
			labels[key+chunkMarker+strconv.Itoa(i)] = encoded[:n]
			encoded = encoded[n:]
		}
	}
	return labels
}

func decodeLabels(labels map[string]string) (map[string]string, error) {
	tags := maps.Clone(labels)
	chunks := map[string][]string{}
	for key := range labels {
		base, index, ok := strings.Cut(key, chunkMarker)
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(index); err != nil {
			continue
		}
		chunks[base] = append(chunks[base], key)
		delete(tags, key)
	}

	for base, keys := range chunks {
		sort.Slice(keys, func(i, j int) bool {
			return partIndex(keys[i]) < partIndex(keys[j])
		})
		var encoded strings.Builder
		for _, key := range keys {
			encoded.WriteString(labels[key])
		}
		value, err := encoding.DecodeString(strings.ToUpper(encoded.String()))
		if err != nil {
			return nil, fmt.Errorf("invalid encoded label '%s': %w", base, err)
		}
		tags[base] = string(value)
	}
	return tags, nil
}

func partIndex(key string) int {
	_, index, _ := strings.Cut(key, chunkMarker)
	i, _ := strconv.Atoi(index)
	return i
}
