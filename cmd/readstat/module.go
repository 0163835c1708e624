package main

import (
	readstat "github.com/davidanthoff/ReadStat"
)

// outputModule routes the events of the two parser passes into one
// output backend. A module implements only the behavior it needs;
// events it does not care about are accepted and dropped.
type outputModule interface {
	// accept reports whether this module handles the output filename.
	accept(path string) bool

	// open prepares the output artifact. Nothing may be visible at the
	// final path until finish.
	open(path string) error

	info(obsCount, varCount int) error
	valueLabel(set string, value readstat.Value, label string) error
	fweight(index int) error
	variable(index int, v *readstat.Variable, set string) error
	value(obsIndex, varIndex int, value readstat.Value) error

	// finish completes and publishes the output artifact.
	finish() error

	// discard aborts the output artifact, leaving nothing behind.
	discard()
}

func moduleForFilename(modules []outputModule, path string) outputModule {
	for _, m := range modules {
		if m.accept(path) {
			return m
		}
	}
	return nil
}
