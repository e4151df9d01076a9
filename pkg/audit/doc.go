// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records security relevant gateway events: SSO handshakes,
// session revocations and proxied requests. Events are written as JSON lines
// through slog and optionally persisted to SQLite.
package audit
