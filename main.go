// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-offqueue - Offline Mutation Queue & Reconciliation Engine")
	fmt.Println("===============================================================")
	fmt.Println()
	fmt.Println("go-offqueue is a local-first data client: writes land in a local store")
	fmt.Println("immediately, queue durably while offline, and reconcile with the remote")
	fmt.Println("API once connectivity returns (at-least-once, idempotent upserts).")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 📱 Client engine (offqueue/)")
	fmt.Println("   Local store (SQLite or bbolt), connectivity monitor, per-entity")
	fmt.Println("   HTTP gateways, reconciliation engine, status broadcaster")
	fmt.Println()

	fmt.Println("2. 🌐 Reference server (offserver/ + cmd/offserver/)")
	fmt.Println("   Postgres-backed REST API with idempotent per-entity upserts and")
	fmt.Println("   JWT bearer auth")
	fmt.Println("   Run: DATABASE_URL=... JWT_SECRET=... go run ./cmd/offserver")
	fmt.Println()
}
