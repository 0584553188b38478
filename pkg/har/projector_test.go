// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package har

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/protocol"
	"github.com/mbeema/pcaphar/pkg/reassembly"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func endpoint(s string) capture.Endpoint {
	ap := netip.MustParseAddrPort(s)
	return capture.Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func headers(kv ...string) protocol.Headers {
	var h protocol.Headers
	for i := 0; i+1 < len(kv); i += 2 {
		h = append(h, protocol.Header{Name: kv[i], Value: kv[i+1]})
	}
	return h
}

func sampleTx() *reassembly.Transaction {
	return &reassembly.Transaction{
		StreamID:    7,
		Client:      endpoint("10.0.0.2:51000"),
		Server:      endpoint("93.184.216.34:443"),
		CommunityID: "1:qcol/7mY/po6mXf+XKTJiLeAM1Y=",
		TLS:         true,
		Request: &protocol.Message{
			IsRequest: true,
			Method:    "GET",
			Target:    "/search?q=go+lang&tag=a&tag=b",
			Proto:     "HTTP/1.1",
			Headers: headers(
				"Host", "example.com",
				"X-Trace", "1",
				"x-trace", "2",
				"Cookie", "sid=abc; theme=dark",
			),
			HeaderSize: 90,
		},
		Response: &protocol.Message{
			StatusCode: 200,
			Reason:     "OK",
			Proto:      "HTTP/1.1",
			Headers: headers(
				"Content-Type", "text/plain; charset=utf-8",
				"Set-Cookie", "sid=xyz; Path=/; HttpOnly; Secure",
			),
			Body:         []byte("hello"),
			HeaderSize:   80,
			WireBodySize: 5,
		},
		RequestStart:  at(0),
		RequestEnd:    at(2),
		ResponseStart: at(30),
		ResponseEnd:   at(35),
		Start:         at(0),
		End:           at(35),
	}
}

func TestProjectBasicEntry(t *testing.T) {
	e := Project(sampleTx())

	if e.StartedDateTime != "2024-05-01T12:00:00.000Z" {
		t.Errorf("startedDateTime = %s", e.StartedDateTime)
	}
	if e.Time != 35 {
		t.Errorf("time = %v, want 35", e.Time)
	}
	if e.Request.URL != "https://example.com/search?q=go+lang&tag=a&tag=b" {
		t.Errorf("url = %s", e.Request.URL)
	}
	wantQuery := []NameValue{{"q", "go lang"}, {"tag", "a"}, {"tag", "b"}}
	if len(e.Request.QueryString) != len(wantQuery) {
		t.Fatalf("queryString = %v", e.Request.QueryString)
	}
	for i, q := range wantQuery {
		if e.Request.QueryString[i] != q {
			t.Errorf("query[%d] = %v, want %v", i, e.Request.QueryString[i], q)
		}
	}

	// Case, order and duplicates survive.
	h := e.Request.Headers
	if len(h) != 4 || h[1].Name != "X-Trace" || h[2].Name != "x-trace" {
		t.Errorf("headers = %v", h)
	}
	if len(e.Request.Cookies) != 2 || e.Request.Cookies[1].Name != "theme" {
		t.Errorf("request cookies = %v", e.Request.Cookies)
	}
	if e.Request.PostData != nil {
		t.Errorf("GET should have no postData, got %+v", e.Request.PostData)
	}

	resp := e.Response
	if resp.Status != 200 || resp.StatusText != "OK" {
		t.Errorf("status = %d %s", resp.Status, resp.StatusText)
	}
	if resp.Content.Text != "hello" || resp.Content.Size != 5 || resp.Content.Encoding != "" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.Content.MimeType != "text/plain; charset=utf-8" {
		t.Errorf("mimeType = %s", resp.Content.MimeType)
	}
	if len(resp.Cookies) != 1 || !resp.Cookies[0].HTTPOnly || !resp.Cookies[0].Secure || resp.Cookies[0].Path != "/" {
		t.Errorf("response cookies = %+v", resp.Cookies)
	}

	if e.Timings.Send != 2 || e.Timings.Wait != 28 || e.Timings.Receive != 5 {
		t.Errorf("timings = %+v", e.Timings)
	}
	if e.Timings.DNS != -1 || e.Timings.Connect != -1 || e.Timings.SSL != -1 || e.Timings.Blocked != -1 {
		t.Errorf("unknown phases = %+v", e.Timings)
	}

	if e.CommunityID == "" || e.ServerIPAddress != "93.184.216.34" || e.ServerPort != 443 {
		t.Errorf("connection fields = %+v", e)
	}
	if e.ClientIPAddress != "10.0.0.2" || e.ClientPort != 51000 || e.Connection != "7" {
		t.Errorf("client fields = %+v", e)
	}
	if e.Request.Timestamp == 0 || e.Response.Timestamp <= e.Request.Timestamp {
		t.Errorf("timestamps = %v %v", e.Request.Timestamp, e.Response.Timestamp)
	}
}

func TestProjectIncompleteEntry(t *testing.T) {
	tx := sampleTx()
	tx.Response = nil
	tx.ResponseStart, tx.ResponseEnd = time.Time{}, time.Time{}
	tx.End = at(500)
	tx.Incomplete = true
	tx.Anomalies = []reassembly.Anomaly{{Kind: reassembly.AnomalyNoResponse, Detail: "stream ended before a response"}}

	e := Project(tx)
	if e.Response != nil {
		t.Fatal("response should be absent")
	}
	if !e.Incomplete || len(e.Anomalies) != 1 || e.Anomalies[0].Kind != reassembly.AnomalyNoResponse {
		t.Errorf("incomplete = %v anomalies = %v", e.Incomplete, e.Anomalies)
	}
	if e.Time != 500 {
		t.Errorf("time = %v, want 500", e.Time)
	}
	sum := e.Timings.Send + e.Timings.Wait + e.Timings.Receive
	if sum != e.Time {
		t.Errorf("timings sum = %v, want %v", sum, e.Time)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte(`"response"`)) {
		t.Errorf("serialized entry has a response: %s", data)
	}
	if !bytes.Contains(data, []byte(`"_incomplete":true`)) {
		t.Errorf("serialized entry lacks _incomplete: %s", data)
	}
}

func TestProjectBodies(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(`{"ok":true}`))
	zw.Close()

	tests := []struct {
		name     string
		headers  protocol.Headers
		body     []byte
		wantText string
		wantEnc  string
		wantMime string
	}{
		{
			name:     "utf8 text",
			headers:  headers("Content-Type", "application/json"),
			body:     []byte(`{"a":"é"}`),
			wantText: `{"a":"é"}`,
			wantMime: "application/json",
		},
		{
			name:     "binary is base64",
			headers:  headers("Content-Type", "application/octet-stream"),
			body:     []byte{0xff, 0x00, 0xfe},
			wantText: "/wD+",
			wantEnc:  EncodingBase64,
			wantMime: "application/octet-stream",
		},
		{
			name:     "gzip decoded",
			headers:  headers("Content-Type", "application/json", "Content-Encoding", "gzip"),
			body:     gz.Bytes(),
			wantText: `{"ok":true}`,
			wantMime: "application/json",
		},
		{
			name:     "sniffed mime",
			body:     []byte("<html><body>x</body></html>"),
			wantText: "<html><body>x</body></html>",
			wantMime: "text/html; charset=utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := sampleTx()
			tx.Response.Headers = tt.headers
			tx.Response.Body = tt.body
			tx.Response.WireBodySize = len(tt.body)

			c := Project(tx).Response.Content
			if c.Text != tt.wantText || c.Encoding != tt.wantEnc || c.MimeType != tt.wantMime {
				t.Errorf("content = %+v", c)
			}
			raw, err := DecodeBody(c.Text, c.Encoding)
			if err != nil {
				t.Fatal(err)
			}
			if c.Size != len(raw) {
				t.Errorf("size = %d, want %d", c.Size, len(raw))
			}
		})
	}
}

func TestProjectPostData(t *testing.T) {
	tx := sampleTx()
	tx.Request.Method = "POST"
	tx.Request.Headers = headers("Host", "example.com",
		"Content-Type", "application/x-www-form-urlencoded", "Content-Length", "17")
	tx.Request.Body = []byte("a=1&b=two+words&c")
	tx.Request.WireBodySize = 17

	pd := Project(tx).Request.PostData
	if pd == nil {
		t.Fatal("postData missing")
	}
	want := []NameValue{{"a", "1"}, {"b", "two words"}, {"c", ""}}
	if len(pd.Params) != len(want) {
		t.Fatalf("params = %v", pd.Params)
	}
	for i := range want {
		if pd.Params[i] != want[i] {
			t.Errorf("param %d = %v, want %v", i, pd.Params[i], want[i])
		}
	}

	// A declared empty body is kept, distinct from no body.
	tx.Request.Body = nil
	tx.Request.Headers = headers("Host", "example.com", "Content-Length", "0")
	pd = Project(tx).Request.PostData
	if pd == nil || pd.Text != "" {
		t.Errorf("empty body postData = %+v", pd)
	}

	tx.Request.Body = []byte{0x00, 0x9f, 0x92}
	tx.Request.Headers = headers("Host", "example.com", "Content-Length", "3")
	pd = Project(tx).Request.PostData
	if pd.Encoding != EncodingBase64 {
		t.Errorf("binary request encoding = %q", pd.Encoding)
	}
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name   string
		tls    bool
		server string
		method string
		target string
		hdrs   protocol.Headers
		want   string
	}{
		{"host header", false, "10.0.0.1:80", "GET", "/a", headers("Host", "api.test"), "http://api.test/a"},
		{"tls", true, "10.0.0.1:443", "GET", "/", headers("Host", "api.test"), "https://api.test/"},
		{"absolute form", false, "10.0.0.1:3128", "GET", "http://other.test/x", headers("Host", "other.test"), "http://other.test/x"},
		{"no host default port", false, "10.0.0.1:80", "GET", "/p", nil, "http://10.0.0.1/p"},
		{"no host custom port", false, "10.0.0.1:8080", "GET", "/p", nil, "http://10.0.0.1:8080/p"},
		{"ipv6", false, "[2001:db8::1]:8080", "GET", "/p", nil, "http://[2001:db8::1]:8080/p"},
		{"h2 pseudo", false, "10.0.0.1:443", "GET", "/h2",
			headers(":method", "GET", ":scheme", "https", ":authority", "h2.test", ":path", "/h2"), "https://h2.test/h2"},
		{"connect", false, "10.0.0.1:3128", "CONNECT", "secure.test:443", headers("Host", "secure.test:443"), "http://secure.test:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &reassembly.Transaction{
				Server:  endpoint(tt.server),
				TLS:     tt.tls,
				Request: &protocol.Message{IsRequest: true, Method: tt.method, Target: tt.target, Headers: tt.hdrs},
			}
			if got := RequestURL(tx); got != tt.want {
				t.Errorf("RequestURL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProjectResponseWithoutRequest(t *testing.T) {
	tx := sampleTx()
	tx.Request = nil
	e := Project(tx)
	if e.Request == nil || e.Request.URL != "https://93.184.216.34/" {
		t.Fatalf("request = %+v", e.Request)
	}
	if e.Request.Headers == nil || e.Request.QueryString == nil || e.Request.Cookies == nil {
		t.Error("required arrays must serialize as []")
	}
}

func TestDocumentOrderAndMetadata(t *testing.T) {
	doc := NewDocument()
	for i := 3; i > 0; i-- {
		tx := sampleTx()
		tx.StreamID = int64(i)
		doc.Add(Project(tx))
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"version": "1.2"`) || !strings.Contains(out, `"name": "pcaphar"`) {
		t.Errorf("metadata missing: %s", out[:200])
	}

	back, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range back.Entries() {
		if e.StreamID != int64(3-i) {
			t.Errorf("entry %d stream = %d; order must be insertion order", i, e.StreamID)
		}
	}

	clone, err := doc.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.Log.Entries[0].Request.URL = "changed"
	if doc.Log.Entries[0].Request.URL == "changed" {
		t.Error("clone shares entries with the original")
	}
}
