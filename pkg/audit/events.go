// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

// Gateway event types
const (
	EventTypeSSOInitiate         = "sso_initiate"
	EventTypeSSOCallback         = "sso_callback"
	EventTypeSSOAuthorize        = "sso_authorize"
	EventTypeSSOExchange         = "sso_exchange"
	EventTypeSSORefresh          = "sso_refresh"
	EventTypeSessionRevoked      = "sso_session_revoked"
	EventTypeSessionsRevokedAll  = "sso_sessions_revoked_all"
	EventTypeSessionAutoCreated  = "sso_session_auto_created"
	EventTypeProxyRequest        = "proxy_request"
	EventTypeRouteAdded          = "route_added"
	EventTypeRouteRemoved        = "route_removed"
	EventTypeRateLimitReset      = "ratelimit_reset"
	EventTypeAuthorizationDenied = "authorization_denied"
)

// Target field keys
const (
	TargetKeyType      = "type"
	TargetKeyServiceID = "service_id"
	TargetKeySessionID = "session_id"
	TargetKeyMethod    = "method"
	TargetKeyPath      = "path"
	TargetKeyUpstream  = "upstream"
	TargetKeyUserID    = "user_id"
)

// Target types
const (
	TargetTypeService   = "service"
	TargetTypeSession   = "session"
	TargetTypeRoute     = "route"
	TargetTypeRateLimit = "ratelimit"
)

// Subject field keys
const (
	SubjectKeyUser   = "user"
	SubjectKeyUserID = "user_id"
	SubjectKeyRole   = "role"
)

// Source extra keys
const (
	SourceExtraKeyUserAgent = "user_agent"
	SourceExtraKeyRequestID = "request_id"
)

// Metadata extra keys
const (
	MetadataExtraKeyDuration   = "duration_ms"
	MetadataExtraKeyStatusCode = "status_code"
	MetadataExtraKeyReason     = "reason"
	MetadataExtraKeyAttempts   = "attempts"
	MetadataExtraKeyCount      = "count"
)
