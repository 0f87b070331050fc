//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

func Enabled(value string) bool {
	switch strings.ToLower(value) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}

// PositiveInt parses an env value which must be a positive integer. The name
// is only used to produce a readable error.
func PositiveInt(name, value string) (int, error) {
	asInt, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s as int", name)
	}
	if asInt <= 0 {
		return 0, errors.Errorf("%s must be a positive integer, got %d", name, asInt)
	}
	return asInt, nil
}

// Bytes accepts plain byte counts as well as the KiB/MiB/GiB suffixes, e.g.
// "64MiB".
func Bytes(name, value string) (int64, error) {
	v := strings.TrimSpace(value)
	multiplier := int64(1)
	for suffix, m := range map[string]int64{
		"KiB": 1 << 10,
		"MiB": 1 << 20,
		"GiB": 1 << 30,
	} {
		if strings.HasSuffix(v, suffix) {
			multiplier = m
			v = strings.TrimSuffix(v, suffix)
			break
		}
	}

	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s as size", name)
	}
	if parsed <= 0 {
		return 0, errors.Errorf("%s must be positive, got %d", name, parsed)
	}
	return parsed * multiplier, nil
}

func Duration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s as duration", name)
	}
	return d, nil
}
