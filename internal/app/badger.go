//go:build !js

package app

import "github.com/kittclouds/kittgraph/internal/store"

func openBadger(dir string) (store.Storer, error) {
	return store.NewBadgerStore(dir)
}
