// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"net/http"
	"strconv"
)

// Signed header names
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	HeaderTimestamp = "X-Timestamp"
	HeaderServiceID = "X-Service-Id"
	HeaderSignature = "X-Signature"
	HeaderProxiedBy = "X-Proxied-By"

	// GatewayMarker is the fixed value of HeaderProxiedBy.
	GatewayMarker = "svcgateway"
)

// HeaderNames lists every header that makes up a signed set. Inbound copies of
// these are dropped before forwarding.
var HeaderNames = []string{
	HeaderUserID,
	HeaderUserEmail,
	HeaderUserRole,
	HeaderTimestamp,
	HeaderServiceID,
	HeaderSignature,
	HeaderProxiedBy,
}

// CreateSignedHeaders returns the signed header set for the subject calling
// serviceID. No field may contain the "|" separator.
func (s *Signer) CreateSignedHeaders(subjectID, email, role, serviceID string) (http.Header, error) {
	p := Payload{
		SubjectID:    subjectID,
		SubjectEmail: email,
		SubjectRole:  role,
		Timestamp:    s.now().UnixMilli(),
		ServiceID:    serviceID,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	h := make(http.Header, len(HeaderNames))
	h.Set(HeaderUserID, p.SubjectID)
	h.Set(HeaderUserEmail, p.SubjectEmail)
	h.Set(HeaderUserRole, p.SubjectRole)
	h.Set(HeaderTimestamp, strconv.FormatInt(p.Timestamp, 10))
	h.Set(HeaderServiceID, p.ServiceID)
	h.Set(HeaderSignature, s.Sign(p))
	h.Set(HeaderProxiedBy, GatewayMarker)
	return h, nil
}

// VerifySignedHeaders validates a signed header set on the receiving side. The
// gateway marker is checked before anything else is trusted.
func (s *Signer) VerifySignedHeaders(h http.Header) (Payload, error) {
	marker := h.Get(HeaderProxiedBy)
	if marker == "" {
		return Payload{}, ErrSignatureMissing
	}
	if marker != GatewayMarker {
		return Payload{}, ErrMarkerMismatch
	}

	signature := h.Get(HeaderSignature)
	rawTS := h.Get(HeaderTimestamp)
	p := Payload{
		SubjectID:    h.Get(HeaderUserID),
		SubjectEmail: h.Get(HeaderUserEmail),
		SubjectRole:  h.Get(HeaderUserRole),
		ServiceID:    h.Get(HeaderServiceID),
	}
	if signature == "" || rawTS == "" || p.SubjectID == "" || p.SubjectEmail == "" ||
		p.SubjectRole == "" || p.ServiceID == "" {
		return Payload{}, ErrSignatureMissing
	}
	if err := p.validate(); err != nil {
		return Payload{}, ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Payload{}, ErrSignatureInvalid
	}
	p.Timestamp = ts

	if err := s.Verify(signature, p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
