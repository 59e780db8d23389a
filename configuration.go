package raft

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jgalecki/raft/model"
)

func encodeConfiguration(cfg model.Configuration) ([]byte, error) {
	raw, err := msgpack.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("raft: encode configuration: %w", err)
	}
	return raw, nil
}

func decodeConfiguration(raw []byte) (model.Configuration, error) {
	var cfg model.Configuration
	if err := msgpack.Unmarshal(raw, &cfg); err != nil {
		return model.Configuration{}, fmt.Errorf("raft: decode configuration: %w", err)
	}
	return cfg, nil
}

// quorumLocked reports whether ids satisfies a quorum of the active
// configuration: a simple majority of Old, and — in a transitional
// configuration — also a majority of New (spec §2, "a decision requires a
// quorum in BOTH").
func (e *Engine) quorumLocked(satisfied func(model.ServerId) bool) bool {
	if !majority(e.activeConfig.Old, satisfied) {
		return false
	}
	if e.activeConfig.Transitional {
		if !majority(e.activeConfig.New, satisfied) {
			return false
		}
	}
	return true
}

func majority(set []model.Server, satisfied func(model.ServerId) bool) bool {
	if len(set) == 0 {
		return true
	}
	count := 0
	for _, s := range set {
		if satisfied(s.Id) {
			count++
		}
	}
	return count*2 > len(set)
}

// votingPeersLocked returns every active-view member other than self.
func (e *Engine) votingPeersLocked() []model.Server {
	seen := make(map[model.ServerId]bool)
	var out []model.Server
	add := func(s model.Server) {
		if s.Id == e.id || seen[s.Id] {
			return
		}
		seen[s.Id] = true
		out = append(out, s)
	}
	for _, s := range e.activeConfig.Old {
		add(s)
	}
	if e.activeConfig.Transitional {
		for _, s := range e.activeConfig.New {
			add(s)
		}
	}
	return out
}
