//go:build js

package app

import (
	"errors"

	"github.com/kittclouds/kittgraph/internal/store"
)

func openBadger(string) (store.Storer, error) {
	return nil, errors.New("badger is not available in js/wasm builds")
}
