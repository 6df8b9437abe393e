// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session keeps the live chat sessions of every user.
//
// Each session is identified by a random UUID and belongs to one owner. A
// request drives a session through a Lease, so at most one reply streams
// per session at a time. Sessions idle longer than the configured timeout
// are evicted from memory; with a Store configured their transcripts
// survive eviction and restarts and are restored on the next Get.
//
// # Key Types
//
//   - Registry: concurrent map of sessions with leases and idle eviction
//   - Entry: one session with its owner and chart
//   - Lease: exclusive use of a session until Release
//
// # Usage
//
//	reg := session.NewRegistry(session.DefaultConfig(),
//	    session.WithStore(store, restore))
//	go reg.Run(ctx)
//
//	lease, err := reg.Acquire(id)
//	if err != nil {
//	    return err // ErrLeased maps to 409
//	}
//	defer lease.Release()
//	stream := lease.Session().Send(ctx, prompt)
package session
