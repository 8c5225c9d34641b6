package codec_test

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"i4.energy/across/cellink/codec"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		req     codec.Request
		line    string
		payload string
		prefix  string
	}{
		{name: "Ping", req: codec.Ping{}, line: "AT"},
		{name: "Numeric errors", req: codec.ErrorReports{Mode: 1}, line: "AT+CMEE=1"},
		{name: "Registration reports", req: codec.RegistrationReports{Mode: 3}, line: "AT+CEREG=3"},
		{name: "Full functionality", req: codec.SetFunctionality{Mode: codec.ModeFull}, line: "AT+CFUN=1"},
		{name: "SIM status", req: codec.GetSimStatus{}, line: "AT+CPIN?", prefix: "+CPIN"},
		{name: "Enter PIN", req: codec.EnterPin{PIN: "1234"}, line: `AT+CPIN="1234"`},
		{name: "Automatic operator", req: codec.SelectOperator{}, line: "AT+COPS=0"},
		{name: "Manual operator", req: codec.SelectOperator{Operator: "26201"}, line: `AT+COPS=1,2,"26201"`},
		{name: "Registration query", req: codec.GetRegistration{}, line: "AT+CEREG?", prefix: "+CEREG"},
		{name: "Define context", req: codec.DefineContext{CID: 1, APN: "iot.example"}, line: `AT+CGDCONT=1,"IP","iot.example"`},
		{name: "Activate context", req: codec.ActivateContext{CID: 1, Active: true}, line: "AT+CGACT=1,1"},
		{name: "Deactivate context", req: codec.ActivateContext{CID: 1}, line: "AT+CGACT=0,1"},
		{name: "Address", req: codec.GetAddress{CID: 1}, line: "AT+CGPADDR=1", prefix: "+CGPADDR"},
		{
			name: "Socket config",
			req:  codec.SocketConfig{ConnID: 2, CID: 1, MaxTimeout: 0, ConnTimeout: 600, TxTimeout: 50},
			line: "AT+SQNSCFG=2,1,0,0,600,50",
		},
		{
			name: "Socket config ext",
			req:  codec.SocketConfigExt{ConnID: 2, RingMode: 1, HexRecv: true, HexSend: true},
			line: "AT+SQNSCFGEXT=2,1,1,0,0,1",
		},
		{
			name: "Socket dial",
			req:  codec.SocketDial{ConnID: 3, Protocol: codec.UDP, Host: "example.org", Port: 5683},
			line: `AT+SQNSD=3,1,5683,"example.org",0,0,1`,
		},
		{name: "Socket send", req: codec.SocketSend{ConnID: 1, Data: []byte("Hi")}, line: "AT+SQNSSENDEXT=1,2", payload: "4869"},
		{name: "Socket info", req: codec.SocketInfo{ConnID: 4}, line: "AT+SQNSI=4", prefix: "+SQNSI"},
		{name: "Socket close", req: codec.SocketClose{ConnID: 6}, line: "AT+SQNSH=6"},
		{name: "Set operating mode", req: codec.SetOperatingMode{RAT: codec.RATNBIoT}, line: "AT+SQNMODEACTIVE=2"},
		{name: "GNSS config", req: codec.GnssConfig{Sensitivity: 2, URCSettings: 2}, line: "AT+LPGNSSCFG=0,2,2,,0,0,0"},
		{name: "GNSS single fix", req: codec.GnssProgram{Action: codec.GnssSingle}, line: `AT+LPGNSSFIXPROG="single"`},
		{name: "GNSS assistance query", req: codec.GetGnssAssistance{}, line: "AT+LPGNSSASSISTANCE?", prefix: "+LPGNSSASSISTANCE"},
		{name: "GNSS almanac download", req: codec.UpdateGnssAssistance{Type: codec.AssistAlmanac}, line: "AT+LPGNSSASSISTANCE=0"},
		{
			name: "Security profile with certificates",
			req: codec.SecurityProfile{
				ID:         1,
				Version:    codec.TLS13,
				Validation: codec.ValidateCert | codec.ValidateHostname,
				CACert:     5,
				ClientCert: 6,
				ClientKey:  12,
			},
			line: `AT+SQNSPCFG=1,3,"",5,5,6,12,"","",0,0,0`,
		},
		{
			name: "Security profile with pre-shared key",
			req: codec.SecurityProfile{
				ID:          6,
				Version:     codec.TLS12,
				Ciphers:     []uint16{0x8c, 0xae},
				PSK:         "734c6142",
				PSKIdentity: "device-1",
				Resume:      true,
				Lifetime:    3600,
			},
			line: `AT+SQNSPCFG=6,2,"0x8C;0xAE",0,,,,"734c6142","device-1",0,1,3600`,
		},
		{name: "Socket TLS on", req: codec.SocketSecurity{ConnID: 2, Profile: 1}, line: "AT+SQNSSCFG=2,1,1"},
		{name: "Socket TLS off", req: codec.SocketSecurity{ConnID: 2}, line: "AT+SQNSSCFG=2,0"},
		{
			name:    "NVM certificate",
			req:     codec.NVMWrite{Type: codec.NVMCertificate, Index: 5, Data: []byte("-----A-----\r\nMII\r\n")},
			line:    `AT+SQNSNVW="certificate",5,16`,
			payload: "-----A-----\nMII\n",
		},
		{name: "NVM delete", req: codec.NVMWrite{Type: codec.NVMPrivateKey, Index: 19}, line: `AT+SQNSNVW="privatekey",19,0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := tt.req.Encode()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.Line != tt.line {
				t.Errorf("line: expected %q, got %q", tt.line, cmd.Line)
			}
			if string(cmd.Payload) != tt.payload {
				t.Errorf("payload: expected %q, got %q", tt.payload, cmd.Payload)
			}
			if cmd.Prefix != tt.prefix {
				t.Errorf("prefix: expected %q, got %q", tt.prefix, cmd.Prefix)
			}
		})
	}
}

func TestEncodeRecvGrammar(t *testing.T) {
	cmd, err := codec.SocketRecv{ConnID: 1, Max: 100}.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Line != "AT+SQNSRECV=1,100" || cmd.Prefix != "+SQNSRECV" || cmd.RawLines != 1 {
		t.Errorf("unexpected command %+v", cmd)
	}
}

func TestEncodeInvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		req  codec.Request
	}{
		{name: "Unknown functionality", req: codec.SetFunctionality{Mode: 2}},
		{name: "Short PIN", req: codec.EnterPin{PIN: "12"}},
		{name: "Alphabetic PIN", req: codec.EnterPin{PIN: "12a4"}},
		{name: "Operator too short", req: codec.SelectOperator{Operator: "262"}},
		{name: "Empty APN", req: codec.DefineContext{CID: 1}},
		{name: "APN with quote", req: codec.DefineContext{CID: 1, APN: `a"b`}},
		{name: "APN too long", req: codec.DefineContext{CID: 1, APN: strings.Repeat("a", 64)}},
		{name: "Context id zero", req: codec.ActivateContext{CID: 0}},
		{name: "Connection id too large", req: codec.SocketClose{ConnID: 7}},
		{name: "Port zero", req: codec.SocketDial{ConnID: 1, Host: "h", Port: 0}},
		{name: "Empty host", req: codec.SocketDial{ConnID: 1, Port: 80}},
		{name: "Empty payload", req: codec.SocketSend{ConnID: 1}},
		{name: "Oversized payload", req: codec.SocketSend{ConnID: 1, Data: make([]byte, codec.MaxPayload+1)}},
		{name: "Receive size zero", req: codec.SocketRecv{ConnID: 1}},
		{name: "Connect timeout too small", req: codec.SocketConfig{ConnID: 1, CID: 1, ConnTimeout: 1, TxTimeout: 50}},
		{name: "Unknown RAT", req: codec.SetOperatingMode{RAT: 3}},
		{name: "Unknown GNSS action", req: codec.GnssProgram{Action: "continuous"}},
		{name: "Unknown assistance type", req: codec.UpdateGnssAssistance{Type: 3}},
		{name: "Security profile zero", req: codec.SecurityProfile{Version: codec.TLS12}},
		{name: "Security profile seven", req: codec.SecurityProfile{ID: 7, Version: codec.TLS12}},
		{name: "Unknown TLS version", req: codec.SecurityProfile{ID: 1, Version: 4}},
		{name: "Certificate in firmware slot", req: codec.SecurityProfile{ID: 1, CACert: 8}},
		{name: "Pre-shared key not hex", req: codec.SecurityProfile{ID: 1, PSK: "secret"}},
		{name: "Socket TLS profile seven", req: codec.SocketSecurity{ConnID: 1, Profile: 7}},
		{name: "NVM firmware slot", req: codec.NVMWrite{Type: codec.NVMCertificate, Index: 3, Data: []byte("x")}},
		{name: "NVM slot too large", req: codec.NVMWrite{Type: codec.NVMCertificate, Index: 20, Data: []byte("x")}},
		{name: "NVM unknown type", req: codec.NVMWrite{Type: "blob", Index: 5, Data: []byte("x")}},
		{name: "NVM key too large", req: codec.NVMWrite{Type: codec.NVMPrivateKey, Index: 6, Data: make([]byte, codec.MaxPrivateKeySize+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Encode()
			if !errors.Is(err, codec.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got: %v", err)
			}
		})
	}
}

func TestDecodeFinalResults(t *testing.T) {
	t.Run("OK with echo and blank lines", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindSetFunctionality, []string{"AT+CFUN=1", "", " OK "})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Kind() != codec.KindSetFunctionality {
			t.Errorf("unexpected kind %v", resp.Kind())
		}
	})

	t.Run("Numeric CME error maps to cause", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetSimStatus, []string{"+CME ERROR: 10"})
		var rejected *codec.ChipRejected
		if !errors.As(err, &rejected) {
			t.Fatalf("expected ChipRejected, got: %v", err)
		}
		if rejected.Code != 10 || rejected.Cause != codec.CauseSimNotInserted {
			t.Errorf("unexpected rejection %+v", rejected)
		}
	})

	t.Run("Unknown CME code passes through", func(t *testing.T) {
		_, err := codec.Decode(codec.KindActivateContext, []string{"+CME ERROR: 4242"})
		var rejected *codec.ChipRejected
		if !errors.As(err, &rejected) {
			t.Fatalf("expected ChipRejected, got: %v", err)
		}
		if rejected.Code != 4242 || rejected.Cause != codec.CauseUnknown {
			t.Errorf("unexpected rejection %+v", rejected)
		}
	})

	t.Run("Verbose CME error keeps text", func(t *testing.T) {
		_, err := codec.Decode(codec.KindEnterPin, []string{"+CME ERROR: incorrect password"})
		var rejected *codec.ChipRejected
		if !errors.As(err, &rejected) {
			t.Fatalf("expected ChipRejected, got: %v", err)
		}
		if rejected.Code != codec.CodeGeneric || rejected.Text != "incorrect password" {
			t.Errorf("unexpected rejection %+v", rejected)
		}
	})

	t.Run("Bare ERROR", func(t *testing.T) {
		_, err := codec.Decode(codec.KindPing, []string{"ERROR"})
		var rejected *codec.ChipRejected
		if !errors.As(err, &rejected) || rejected.Code != codec.CodeGeneric {
			t.Fatalf("expected generic ChipRejected, got: %v", err)
		}
	})

	t.Run("Missing final result is a protocol error", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetSignalQuality, []string{"+CSQ: 20,99"})
		if !errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("expected ErrUnparseable, got: %v", err)
		}
		var perr *codec.ProtocolError
		if errors.As(err, &perr) && perr.Kind != codec.KindGetSignalQuality {
			t.Errorf("unexpected kind %v", perr.Kind)
		}
	})

	t.Run("Rejection is not a protocol error", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetSignalQuality, []string{"+CME ERROR: 30"})
		if errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("rejection must not be reported as unparseable: %v", err)
		}
	})
}

func TestDecodeResponses(t *testing.T) {
	t.Run("Functionality", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetFunctionality, []string{"+CFUN: 1", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.(codec.Functionality).Mode != codec.ModeFull {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("SIM status", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetSimStatus, []string{"+CPIN: SIM PIN", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sim := resp.(codec.SimStatus)
		if sim.Ready() || sim.State != codec.SimPIN {
			t.Errorf("unexpected response %+v", sim)
		}
	})

	t.Run("Solicited registration with reject cause", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetRegistration,
			[]string{`+CEREG: 3,3,"1A2B","01A2B3C4",7,0,15`, "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		reg := resp.(codec.Registration)
		if reg.Status != codec.RegDenied || reg.RejectCause != 15 || reg.TAC != "1A2B" || reg.AcT != 7 {
			t.Errorf("unexpected registration %+v", reg)
		}
	})

	t.Run("Short solicited registration", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetRegistration, []string{"+CEREG: 0,5", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		reg := resp.(codec.Registration)
		if reg.Status != codec.RegRoaming || !reg.Status.Registered() || reg.RejectCause != codec.NoRejectCause {
			t.Errorf("unexpected registration %+v", reg)
		}
	})

	t.Run("Registration with unknown status", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetRegistration, []string{"+CEREG: 0,9", "OK"})
		if !errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("expected ErrUnparseable, got: %v", err)
		}
	})

	t.Run("Registration answer among reports", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetRegistration, []string{
			`+CEREG: 1,"1A2B","01A2B3C4",7`,
			`+CEREG: 3,2`,
			"OK",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reg := resp.(codec.Registration); reg.Status != codec.RegSearching {
			t.Errorf("expected the solicited status, got %+v", reg)
		}
	})

	t.Run("Signal quality", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetSignalQuality, []string{"+CSQ:  20,99", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sq := resp.(codec.SignalQuality)
		if !sq.Known() || sq.DBm() != -73 {
			t.Errorf("unexpected signal %+v", sq)
		}
	})

	t.Run("Signal quality garbage", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetSignalQuality, []string{"+CSQ: abc", "OK"})
		if !errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("expected ErrUnparseable, got: %v", err)
		}
	})

	t.Run("Context states", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetContextStates, []string{"+CGACT: 1,1", "+CGACT: 2,0", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		states := resp.(codec.ContextStates)
		if !states[1] || states[2] {
			t.Errorf("unexpected states %v", states)
		}
	})

	t.Run("Address", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetAddress, []string{`+CGPADDR: 1,"10.64.3.7"`, "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		addr := resp.(codec.Address)
		if addr.CID != 1 || addr.Addr != netip.MustParseAddr("10.64.3.7") {
			t.Errorf("unexpected address %+v", addr)
		}
	})

	t.Run("Socket data", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindSocketRecv, []string{"+SQNSRECV: 1,4", "70696E67", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data := resp.(codec.SocketData)
		if data.ConnID != 1 || string(data.Data) != "ping" {
			t.Errorf("unexpected data %+v", data)
		}
	})

	t.Run("Socket data empty", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindSocketRecv, []string{"+SQNSRECV: 1,0", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(resp.(codec.SocketData).Data) != 0 {
			t.Errorf("expected no data, got %+v", resp)
		}
	})

	t.Run("Socket data length mismatch", func(t *testing.T) {
		_, err := codec.Decode(codec.KindSocketRecv, []string{"+SQNSRECV: 1,5", "70696E67", "OK"})
		if !errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("expected ErrUnparseable, got: %v", err)
		}
	})

	t.Run("Socket status", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindSocketInfo, []string{"+SQNSI: 2,10,20,7,0", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		st := resp.(codec.SocketStatus)
		if st.ConnID != 2 || st.Buffered != 7 || st.Received != 20 {
			t.Errorf("unexpected status %+v", st)
		}
	})

	t.Run("Network clock", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetClock, []string{`+CCLK: "24/05/30,13:22:45+08"`, "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		nt := resp.(codec.NetworkTime)
		want := time.Date(2024, 5, 30, 11, 22, 45, 0, time.UTC)
		if !nt.Time.Equal(want) || !nt.Valid() {
			t.Errorf("expected %v, got %v (valid=%v)", want, nt.Time, nt.Valid())
		}
	})

	t.Run("Network clock not yet set", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetClock, []string{`+CCLK: "70/01/01,00:00:12+00"`, "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.(codec.NetworkTime).Valid() {
			t.Error("power-on default clock must not be valid")
		}
	})

	t.Run("Operating mode", func(t *testing.T) {
		resp, err := codec.Decode(codec.KindGetOperatingMode, []string{"+SQNMODEACTIVE: 2", "OK"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.(codec.OperatingMode).RAT != codec.RATNBIoT {
			t.Errorf("unexpected mode %+v", resp)
		}
	})

	t.Run("Missing information line", func(t *testing.T) {
		_, err := codec.Decode(codec.KindGetFunctionality, []string{"OK"})
		if !errors.Is(err, codec.ErrUnparseable) {
			t.Errorf("expected ErrUnparseable, got: %v", err)
		}
	})
}

func TestParams(t *testing.T) {
	p, ok := codec.Params(`+CCLK: "24/05/30,13:22:45+08"`, "+CCLK")
	if !ok || len(p) != 1 || p[0] != "24/05/30,13:22:45+08" {
		t.Errorf("quoted comma must not split: %q", p)
	}
	if _, ok := codec.Params("+CSQ: 1,2", "+CEREG"); ok {
		t.Error("different prefix must not match")
	}
	p, ok = codec.Params("+SQNSH: 3", "+SQNSH")
	if !ok || len(p) != 1 || p[0] != "3" {
		t.Errorf("unexpected params %q", p)
	}
}

func TestTimeout(t *testing.T) {
	if codec.Timeout(codec.KindActivateContext) <= codec.Timeout(codec.KindPing) {
		t.Error("bearer activation must be allowed more time than a ping")
	}
	if codec.Timeout(codec.Kind(999)) <= 0 {
		t.Error("unknown kinds still need a positive timeout")
	}
}

func TestSolicitedRegistration(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{`+CEREG: 3,1,"1A2B","01A2B3C4",7`, true},
		{"+CEREG: 0,5", true},
		{`+CEREG: 2,0,"","",7,0,15`, true},
		{`+CEREG: 1,"1A2B","01A2B3C4",7`, false},
		{`+CEREG: 3,"","",7,0,15`, false},
		{"+CEREG: 5", false},
		{"+CEREG: 7,1", false},
		{"+CEREG: 0,9", false},
		{"+CSQ: 1,2", false},
	}
	for _, tt := range tests {
		if got := codec.SolicitedRegistration(tt.line); got != tt.want {
			t.Errorf("SolicitedRegistration(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
	cmd, err := codec.GetRegistration{}.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Answers(`+CEREG: 1,"1A2B","01A2B3C4",7`) || !cmd.Answers("+CEREG: 3,1") {
		t.Error("expected AT+CEREG? to claim only its answer")
	}
}

func TestDecodeGnssAssistance(t *testing.T) {
	resp, err := codec.Decode(codec.KindGetGnssAssistance, []string{
		"+LPGNSSASSISTANCE: 0,1,81390742,0,0",
		"+LPGNSSASSISTANCE: 1,1,600,1200,1800",
		"OK",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := resp.(codec.GnssAssistance)
	if len(g) != 2 {
		t.Fatalf("expected 2 entries, got %+v", g)
	}
	if a := g.Get(codec.AssistAlmanac); !a.Available || !a.Stale() || a.Age != 81390742*time.Second {
		t.Errorf("unexpected almanac %+v", a)
	}
	if a := g.Get(codec.AssistRealTimeEphemeris); a.Stale() || a.UpdateIn != 20*time.Minute || a.ExpiresIn != 30*time.Minute {
		t.Errorf("unexpected ephemeris %+v", a)
	}
	if a := g.Get(codec.AssistPredictedEphemeris); a.Available || !a.Stale() {
		t.Errorf("unlisted set should be unavailable, got %+v", a)
	}

	if _, err := codec.Decode(codec.KindGetGnssAssistance, []string{"+LPGNSSASSISTANCE: 5,1,0,0,0", "OK"}); !errors.Is(err, codec.ErrUnparseable) {
		t.Errorf("expected ErrUnparseable for unknown type, got: %v", err)
	}
}
