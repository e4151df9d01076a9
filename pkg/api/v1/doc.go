// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 provides version 1 of the gateway API: the SSO protocol, the
// admin API and the operational endpoints.
package v1
