// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filtersort

import (
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

// Compiled expressions are reused across jobs; the same filter expression is
// typically evaluated on every refresh.
var exprCache = ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(5 * time.Minute))

func compileExpr(filter string) (*vm.Program, error) {
	if program, ok := exprCache.Get(filter); ok {
		return program, nil
	}

	program, err := expr.Compile(filter, expr.Env(map[string]any{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	if ok := exprCache.Set(filter, program, ttlcache.DefaultTTL); !ok {
		log.Warn().Str("expr", filter).Msg("Failed to cache expression")
	}

	return program, nil
}

// filterByExpr keeps the records for which the expression evaluates to true.
// An expression that fails to compile filters nothing; a record that fails to
// evaluate is dropped.
func filterByExpr(torrents []models.TorrentRecord, filter string) []models.TorrentRecord {
	program, err := compileExpr(filter)
	if err != nil {
		log.Error().Err(err).Str("expr", filter).Msg("Failed to compile expression")
		return torrents
	}

	filtered := make([]models.TorrentRecord, 0, len(torrents))
	for _, record := range torrents {
		result, err := expr.Run(program, map[string]any(record))
		if err != nil {
			log.Error().Err(err).Msg("Failed to evaluate expression")
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			filtered = append(filtered, record)
		}
	}

	return filtered
}
