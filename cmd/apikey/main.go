// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// The apikey tool provisions API credentials in the analysis database.
// The full key is printed exactly once, at creation time; listings only
// show a prefix.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/pakaremon/packamal/internal/taskstore"
)

const keyLength = 64

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	dbPath    = flag.String("db", "packamal.db", "SQLite database path")
	name      = flag.String("name", "", "name of the credential to create")
	rateLimit = flag.Int("rate-limit", 100, "admissions per hour for the new credential")
	list      = flag.Bool("list", false, "list existing credentials instead of creating one")
)

func main() {
	flag.Parse()
	store, err := taskstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if *list {
		if err := listCredentials(ctx, store); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: apikey -name <name> [-rate-limit N] | apikey -list")
		os.Exit(2)
	}
	if err := createCredential(ctx, store); err != nil {
		log.Fatal(err)
	}
}

func createCredential(ctx context.Context, store *taskstore.Store) error {
	key, err := generateKey()
	if err != nil {
		return err
	}
	cred := &taskstore.Credential{
		Name:             *name,
		Key:              key,
		IsActive:         true,
		RateLimitPerHour: *rateLimit,
	}
	if err := store.CreateCredential(ctx, cred); err != nil {
		return err
	}
	fmt.Printf("created credential %q (id %d)\n", cred.Name, cred.ID)
	fmt.Printf("api key: %s\n", key)
	fmt.Println("store this key now; it is not shown again")
	return nil
}

func listCredentials(ctx context.Context, store *taskstore.Store) error {
	creds, err := store.Credentials(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-6s %-20s %-10s %-8s %-10s %s\n", "ID", "NAME", "KEY", "ACTIVE", "RATE/H", "LAST USED")
	for _, c := range creds {
		lastUsed := "never"
		if c.LastUsed != nil {
			lastUsed = c.LastUsed.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-6d %-20s %-10s %-8t %-10d %s\n", c.ID, c.Name, c.Key[:8]+"...", c.IsActive, c.RateLimitPerHour, lastUsed)
	}
	return nil
}

func generateKey() (string, error) {
	key := make([]byte, keyLength)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		key[i] = keyAlphabet[n.Int64()]
	}
	return string(key), nil
}
