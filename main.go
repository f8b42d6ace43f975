// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-ledgersync - Offline-first Ledger Synchronization")
	fmt.Println("=======================================================")
	fmt.Println()
	fmt.Println("go-ledgersync keeps supplier, product, rate, collection and payment records in sync")
	fmt.Println("between offline devices and a PostgreSQL server, with idempotent operations,")
	fmt.Println("versioned conflict detection and a tamper-evident audit log.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println()
	fmt.Println("1. 🌐 ledgersync/   - server SDK: push/pull protocol, conflicts, audit log, HTTP handlers")
	fmt.Println("2. 📱 ledgerlite/   - device SDK on SQLite: mutation log, retries, cursors, sync sessions")
	fmt.Println()

	fmt.Println("🛠  Binary (cmd/ledgersync/):")
	fmt.Println()
	fmt.Println("   ledgersync serve                       run the sync server")
	fmt.Println("   ledgersync token --user U --device D   mint a JWT for a device")
	fmt.Println("   ledgersync device enqueue|sync|status  drive a local device store")
	fmt.Println("   ledgersync audit verify --user-id U    recompute audit checksums")
	fmt.Println()
	fmt.Println("   Run: go run ./cmd/ledgersync --help")
}
