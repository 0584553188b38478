// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package har holds the HTTP Archive 1.2 model produced from reassembled
// transactions, plus the vendor extensions (underscore-prefixed fields) that
// enrichment passes fill in.
package har

// Document is the top-level HAR object.
type Document struct {
	Log Log `json:"log"`
}

// Log is the HAR log object.
type Log struct {
	Version string   `json:"version"`
	Creator Creator  `json:"creator"`
	Entries []*Entry `json:"entries"`
}

// Creator identifies the producing application.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// Entry is one request/response exchange.
type Entry struct {
	StartedDateTime string `json:"startedDateTime"`
	// Time is the total elapsed time in milliseconds.
	Time float64 `json:"time"`

	Request *Request `json:"request"`
	// Response is nil when the stream ended before a response was seen.
	Response *Response `json:"response,omitempty"`

	Cache   Cache   `json:"cache"`
	Timings Timings `json:"timings"`

	ServerIPAddress string `json:"serverIPAddress,omitempty"`
	Connection      string `json:"connection,omitempty"`

	CommunityID     string    `json:"_communityId,omitempty"`
	StreamID        int64     `json:"_streamId"`
	H2StreamID      uint32    `json:"_h2StreamId,omitempty"`
	ClientIPAddress string    `json:"_clientIPAddress,omitempty"`
	ClientPort      int       `json:"_clientPort,omitempty"`
	ServerPort      int       `json:"_serverPort,omitempty"`
	TLS             bool      `json:"_tls,omitempty"`
	Incomplete      bool      `json:"_incomplete,omitempty"`
	Anomalies       []Anomaly `json:"_anomalies,omitempty"`
}

// Cache is always empty; captures carry no cache state.
type Cache struct{}

// Timings are in milliseconds; -1 marks a phase that does not apply.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

// NameValue is a header or query string pair.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is a HAR cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// Request is the HAR request object.
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	QueryString []NameValue `json:"queryString"`
	PostData    *PostData   `json:"postData,omitempty"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`

	// Timestamp is the capture time of the first request byte, in epoch
	// seconds.
	Timestamp  float64     `json:"_timestamp,omitempty"`
	Stacktrace *Stacktrace `json:"_stacktrace,omitempty"`
	Decryption *Decryption `json:"_decryption,omitempty"`
}

// PostData carries a request body. HAR has no encoding field for request
// bodies, so binary bodies are marked with the _encoding extension.
type PostData struct {
	MimeType string      `json:"mimeType"`
	Params   []NameValue `json:"params,omitempty"`
	Text     string      `json:"text"`
	Encoding string      `json:"_encoding,omitempty"`
}

// Response is the HAR response object.
type Response struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	Content     Content     `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`

	Timestamp  float64     `json:"_timestamp,omitempty"`
	Stacktrace *Stacktrace `json:"_stacktrace,omitempty"`
	Decryption *Decryption `json:"_decryption,omitempty"`
}

// Content describes a response body after content decoding.
type Content struct {
	Size        int    `json:"size"`
	Compression int    `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text"`
	Encoding    string `json:"encoding,omitempty"`
}

// Anomaly is a reassembly problem recorded on the entry.
type Anomaly struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Frame is one call-stack frame of a socket operation.
type Frame struct {
	Class  string `json:"class"`
	Method string `json:"method,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// Stacktrace records the socket operation attributed to a request or
// response.
type Stacktrace struct {
	PID             int     `json:"pid"`
	TID             int     `json:"tid"`
	FD              int     `json:"fd"`
	Process         string  `json:"process,omitempty"`
	SocketEventType string  `json:"socketEventType"`
	SocketType      string  `json:"socketType,omitempty"`
	LocalIP         string  `json:"localIp,omitempty"`
	LocalPort       int     `json:"localPort,omitempty"`
	DestIP          string  `json:"destIp"`
	DestPort        int     `json:"destPort"`
	CommunityID     string  `json:"communityId,omitempty"`
	Timestamp       float64 `json:"timestamp"`
	// Delta is the distance in milliseconds between the operation and the
	// message it was matched to.
	Delta   float64  `json:"delta"`
	Stack   []Frame  `json:"stack"`
	Compact []string `json:"compact"`
}

// Decryption records that a body was replaced with supplied plaintext.
type Decryption struct {
	Decrypted        bool   `json:"decrypted"`
	Handle           string `json:"handle,omitempty"`
	MatchedBy        string `json:"matchedBy"`
	OriginalSize     int    `json:"originalSize"`
	OriginalSHA256   string `json:"originalSha256"`
	OriginalEncoding string `json:"originalEncoding,omitempty"`
}
