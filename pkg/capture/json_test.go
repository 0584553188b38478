// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

const sampleTshark = `[
  {
    "_index": "packets-2024-04-05",
    "_source": {
      "layers": {
        "frame": {
          "frame.time_epoch": "1712300000.123456789",
          "frame.number": "7",
          "frame.protocols": "eth:ethertype:ip:tcp:http"
        },
        "ip": {"ip.src": "10.0.0.2", "ip.dst": "93.184.216.34"},
        "tcp": {
          "tcp.srcport": "51000",
          "tcp.dstport": "80",
          "tcp.stream": "3",
          "tcp.seq_raw": "1000",
          "tcp.flags": "0x0018",
          "tcp.payload": "47:45:54:20:2f"
        }
      }
    }
  },
  {
    "_source": {
      "layers": {
        "frame": {"frame.time_epoch": "1712300001.5", "frame.number": "8"},
        "arp": {"arp.opcode": "1"}
      }
    }
  },
  {
    "_source": {
      "layers": {
        "frame": {"frame.time_epoch": "1712300002", "frame.number": "9"},
        "ipv6": {"ipv6.src": "::ffff:10.0.0.9", "ipv6.dst": "2001:db8::1"},
        "tcp": {
          "tcp.srcport": "443",
          "tcp.dstport": "51001",
          "tcp.stream": "4",
          "tcp.seq": "1",
          "tcp.flags": "0x00000012"
        },
        "tls": [{"tls.record": "x"}, {"tls.record": "y"}]
      }
    }
  }
]`

func TestDecoder_Records(t *testing.T) {
	dec := NewDecoder(strings.NewReader(sampleTshark), nil)

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Number != 7 || first.StreamID != 3 {
		t.Errorf("number/stream = %d/%d, want 7/3", first.Number, first.StreamID)
	}
	wantTime := time.Unix(1712300000, 123456789).UTC()
	if !first.Time.Equal(wantTime) {
		t.Errorf("time = %v, want %v", first.Time, wantTime)
	}
	if got := first.Src.String(); got != "10.0.0.2:51000" {
		t.Errorf("src = %s", got)
	}
	if got := first.Dst.String(); got != "93.184.216.34:80" {
		t.Errorf("dst = %s", got)
	}
	if string(first.Payload) != "GET /" {
		t.Errorf("payload = %q", first.Payload)
	}
	if !first.HasSeq || first.Seq != 1000 {
		t.Errorf("seq = %d (has=%v)", first.Seq, first.HasSeq)
	}
	if !first.HasFlag(FlagPSH) || !first.HasFlag(FlagACK) || first.HasFlag(FlagSYN) {
		t.Errorf("flags = %#x", first.Flags)
	}
	if len(first.Protocols) != 5 || first.Protocols[4] != "http" {
		t.Errorf("protocols = %v", first.Protocols)
	}

	// The ARP frame has no TCP layer and is skipped.
	second, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Number != 9 {
		t.Fatalf("second number = %d, want 9", second.Number)
	}
	if got := second.Src.Addr.String(); got != "10.0.0.9" {
		t.Errorf("mapped address not unmapped: %s", got)
	}
	if !second.TLS {
		t.Error("expected TLS flag")
	}
	if !second.HasFlag(FlagSYN) || !second.HasFlag(FlagACK) {
		t.Errorf("flags = %#x, want SYN|ACK", second.Flags)
	}
	if second.Payload != nil {
		t.Errorf("payload = %q, want none", second.Payload)
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF again, got %v", err)
	}
}

func TestDecoder_PayloadFieldOrder(t *testing.T) {
	input := `[{"_source":{"layers":{
		"frame":{"frame.time_epoch":"1.0"},
		"ip":{"ip.src":"1.1.1.1","ip.dst":"2.2.2.2"},
		"tcp":{"tcp.srcport":"1","tcp.dstport":"2","tcp.stream":"0","tcp.payload":"41"},
		"http":{"http.file_data_raw":["4142", 0, 2, 0, 1]}
	}}}]`

	dec := NewDecoder(strings.NewReader(input), []string{"http.file_data", "tcp.payload"})
	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(rec.Payload) != "AB" {
		t.Errorf("payload = %q, want AB", rec.Payload)
	}
}

func TestDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not an array", `{"_source":{}}`},
		{"truncated", `[{"_source":{"layers":{"tcp":`},
		{"bad stream id", `[{"_source":{"layers":{"frame":{"frame.time_epoch":"1"},"tcp":{"tcp.stream":"x","tcp.srcport":"1","tcp.dstport":"2"}}}}]`},
		{"bad hex", `[{"_source":{"layers":{"frame":{"frame.time_epoch":"1"},"tcp":{"tcp.stream":"0","tcp.srcport":"1","tcp.dstport":"2","tcp.payload":"zz"}}}}]`},
		{"missing time", `[{"_source":{"layers":{"tcp":{"tcp.stream":"0","tcp.srcport":"1","tcp.dstport":"2"}}}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input), nil)
			_, err := dec.Next()
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestDecoder_EmptyInput(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""), nil)
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestJSONSource_Cancelled(t *testing.T) {
	src := NewJSONSource(strings.NewReader(sampleTshark), nil)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseEpoch(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"1712300000", time.Unix(1712300000, 0)},
		{"1712300000.5", time.Unix(1712300000, 500000000)},
		{"1712300000.0000000019", time.Unix(1712300000, 1)},
		{"2024-04-05T06:53:20.25Z", time.Unix(1712300000, 250000000)},
	}
	for _, tt := range tests {
		got, err := parseEpoch(tt.in)
		if err != nil {
			t.Errorf("parseEpoch(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseEpoch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTsharkOptions_Args(t *testing.T) {
	opts := TsharkOptions{
		Input:         "in.pcapng",
		DisplayFilter: "tcp",
		KeyLogFile:    "keys.log",
	}
	got := strings.Join(opts.Args(), " ")
	want := "-r in.pcapng -T json -x --no-duplicate-keys -Y tcp -o tls.keylog_file:keys.log"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Errorf("tail = %q, want defg", got)
	}
}

func TestDecoder_DecryptedTLS(t *testing.T) {
	tests := []struct {
		name string
		http string
		want string
	}{
		{
			name: "raw layer bytes",
			http: `"http":{"http.host":"shop.local"},
				"http_raw":["474554202f73656375726520485454502f312e310d0a486f73743a2073686f702e6c6f63616c0d0a0d0a", 0, 42, 0, 1]`,
			want: "GET /secure HTTP/1.1\r\nHost: shop.local\r\n\r\n",
		},
		{
			name: "request rebuilt from fields",
			http: `"http":{
				"GET /secure HTTP/1.1\r\n":{"http.request.method":"GET","http.request.uri":"/secure","http.request.version":"HTTP/1.1"},
				"http.request.line":["Host: shop.local\r\n"]}`,
			want: "GET /secure HTTP/1.1\r\nHost: shop.local\r\nContent-Length: 0\r\n\r\n",
		},
		{
			name: "response rebuilt around decoded body",
			http: `"http":{
				"HTTP/1.1 200 OK\r\n":{"http.response.version":"HTTP/1.1","http.response.code":"200","http.response.phrase":"OK"},
				"http.response.line":["Content-Type: text/plain\r\n","Transfer-Encoding: chunked\r\n","Content-Encoding: gzip\r\n"],
				"http.file_data":"secret"}`,
			want: "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 6\r\n\r\nsecret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := `[{"_source":{"layers":{
				"frame":{"frame.time_epoch":"1.0","frame.number":"4"},
				"ip":{"ip.src":"10.0.0.2","ip.dst":"10.0.0.1"},
				"tcp":{"tcp.srcport":"51000","tcp.dstport":"443","tcp.stream":"0","tcp.seq":"1","tcp.payload":"17030300056162636465"},
				"tls":{"tls.record":{"tls.record.content_type":"23"}},
				` + tt.http + `
			}}}]`

			rec, err := NewDecoder(strings.NewReader(input), nil).Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !rec.TLS {
				t.Fatal("expected TLS record")
			}
			if got := string(rec.Plaintext); got != tt.want {
				t.Errorf("plaintext = %q, want %q", got, tt.want)
			}
			if got := string(rec.Payload); got != "\x17\x03\x03\x00\x05abcde" {
				t.Errorf("payload = %q, want the TLS record", got)
			}
			if rec.Layer("http") == nil {
				t.Error("http layer not kept on the record")
			}
		})
	}
}

func TestDecoder_TLSWithoutKeys(t *testing.T) {
	dec := NewDecoder(strings.NewReader(sampleTshark), nil)
	var last *PacketRecord
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		last = rec
	}
	if last == nil || !last.TLS {
		t.Fatalf("last record = %+v, want TLS", last)
	}
	if last.Plaintext != nil {
		t.Errorf("plaintext = %q, want none", last.Plaintext)
	}
	if got := len(last.Layers["tls"]); got != 2 {
		t.Errorf("tls layer instances = %d, want 2", got)
	}
}
