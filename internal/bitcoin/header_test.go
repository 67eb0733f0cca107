package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	wikiPrevHex   = "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81"
	wikiMerkleHex = "2b12fcf1b09288fcaff797d71e950e71ae42b91e8bdb2304758dfcffc2b620e3"
	wikiHashHex   = "00000000000000001e8d6829a8a21adc5d38d0a473b144b6765798e61f98bd1d"
	wikiRawHex    = "01000000" +
		"81cd02ab7e569e8bcd9317e2fe99f2de44d49ab2b8851ba4a308000000000000" +
		"e320b6c2fffc8d750423db8b1eb942ae710e951ed797f7affc8892b0f1fc122b" +
		"c7f5d74d" + "f2b9441a" + "42a14695"
	wikiTime  uint32 = 0x4dd7f5c7
	wikiBits  uint32 = 0x1a44b9f2
	wikiNonce uint32 = 0x9546a142
)

// wikiHeader returns block 125552, the worked example of the Bitcoin wiki.
func wikiHeader(t testing.TB) Header {
	t.Helper()
	h, err := ParseHeader(1, wikiPrevHex, wikiMerkleHex, wikiTime, wikiBits)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	return h.WithNonce(wikiNonce)
}

func TestHeaderBytes_WikiBlock(t *testing.T) {
	h := wikiHeader(t)
	raw := h.Bytes()

	if got := hex.EncodeToString(raw[:]); got != wikiRawHex {
		t.Errorf("Bytes() = %s\nwant      %s", got, wikiRawHex)
	}

	var buf bytes.Buffer
	if err := h.ToWire().Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if !bytes.Equal(buf.Bytes(), raw[:]) {
		t.Error("Bytes() differs from wire.BlockHeader.Serialize()")
	}
}

func TestEncodeHeader_WordOrder(t *testing.T) {
	words := EncodeHeader(wikiHeader(t))

	tests := []struct {
		index int
		want  uint32
	}{
		{0, 0x01000000},  // version 1, little-endian bytes read big-endian
		{1, 0x81cd02ab},  // first prev hash word
		{8, 0x00000000},  // last prev hash word
		{9, 0xe320b6c2},  // first merkle word
		{16, 0xf1fc122b}, // last merkle word
		{17, 0xc7f5d74d}, // time
		{18, 0xf2b9441a}, // bits
		{19, 0x42a14695}, // nonce
	}

	for _, tt := range tests {
		if words[tt.index] != tt.want {
			t.Errorf("words[%d] = %08x, want %08x", tt.index, words[tt.index], tt.want)
		}
	}
}

func TestDecodeHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"genesis", HeaderFromWire(&chaincfg.MainNetParams.GenesisBlock.Header)},
		{"block 125552", wikiHeader(t)},
		{"negative version", Header{Version: -2, Time: 1, Bits: 0x207fffff, Nonce: 0xdeadbeef}},
		{"all ones", Header{
			Version:    -1,
			PrevBlock:  chainhash.Hash(bytes.Repeat([]byte{0xff}, 32)),
			MerkleRoot: chainhash.Hash(bytes.Repeat([]byte{0xee}, 32)),
			Time:       0xffffffff,
			Bits:       0xffffffff,
			Nonce:      0xffffffff,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeHeader(EncodeHeader(tt.header), tt.header.Nonce); got != tt.header {
				t.Errorf("DecodeHeader(EncodeHeader(h)) = %v, want %v", got, tt.header)
			}
		})
	}
}

func TestDecodeHeader_ReplacesNonceOnly(t *testing.T) {
	h := wikiHeader(t)
	words := EncodeHeader(h.WithNonce(0))

	got := DecodeHeader(words, wikiNonce)
	if got != h {
		t.Errorf("DecodeHeader() = %v, want %v", got, h)
	}
}

func TestParseHeader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		prev   string
		merkle string
	}{
		{"short prev", "00", wikiMerkleHex},
		{"long merkle", wikiPrevHex, wikiMerkleHex + "00"},
		{"non hex prev", "zz" + wikiPrevHex[2:], wikiMerkleHex},
		{"empty merkle", wikiPrevHex, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(1, tt.prev, tt.merkle, 0, wikiBits)
			if err == nil {
				t.Fatal("ParseHeader() expected error, got nil")
			}
			if !isEncodingError(err) {
				t.Errorf("ParseHeader() error = %v, want encoding error", err)
			}
		})
	}
}

func TestParseHeader_DisplayOrder(t *testing.T) {
	h := wikiHeader(t)
	if h.PrevBlock.String() != wikiPrevHex {
		t.Errorf("PrevBlock = %s, want %s", h.PrevBlock, wikiPrevHex)
	}
	// wire order is the reverse of display order
	if h.PrevBlock[0] != 0x81 || h.PrevBlock[31] != 0x00 {
		t.Errorf("PrevBlock not in wire order: %x", h.PrevBlock[:])
	}
	if got := h.BlockHash().String(); got != wikiHashHex {
		t.Errorf("BlockHash() = %s, want %s", got, wikiHashHex)
	}
}

func TestParseBits(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"1d00ffff", 0x1d00ffff, false},
		{"0x1a44b9f2", 0x1a44b9f2, false},
		{"0X207FFFFF", 0x207fffff, false},
		{"ffff", 0xffff, false},
		{"", 0, true},
		{"1d00ffff00", 0, true},
		{"xyz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBits(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBits(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBits(%q) = %08x, want %08x", tt.in, got, tt.want)
			}
		})
	}
}

func TestHeaderWireConversion(t *testing.T) {
	genesis := &chaincfg.MainNetParams.GenesisBlock.Header
	h := HeaderFromWire(genesis)

	if h.Time != 1231006505 || h.Bits != 0x1d00ffff || h.Nonce != 2083236893 {
		t.Errorf("HeaderFromWire(genesis) = %v", h)
	}
	if h.ToWire().BlockHash() != h.BlockHash() {
		t.Error("ToWire().BlockHash() differs from BlockHash()")
	}
	if h.BlockHash() != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("BlockHash() = %s, want %s", h.BlockHash(), chaincfg.MainNetParams.GenesisHash)
	}
}

func TestHeaderBytes_SerializedBlock(t *testing.T) {
	block := btcutil.NewBlock(chaincfg.MainNetParams.GenesisBlock)
	raw, err := block.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	h := HeaderFromWire(&block.MsgBlock().Header)
	got := h.Bytes()
	if !bytes.Equal(got[:], raw[:HeaderSize]) {
		t.Errorf("header bytes differ from the serialized block prefix:\n got %x\nwant %x", got, raw[:HeaderSize])
	}
	if h.BlockHash() != *block.Hash() {
		t.Errorf("BlockHash() = %s, want %s", h.BlockHash(), block.Hash())
	}
}

func TestSameFirstBlock(t *testing.T) {
	h := wikiHeader(t)

	tests := []struct {
		name  string
		other Header
		want  bool
	}{
		{"time and nonce changed", h.WithTime(h.Time + 60).WithNonce(1), true},
		{"bits changed", func() Header { o := h; o.Bits = 0x1d00ffff; return o }(), true},
		{"version changed", func() Header { o := h; o.Version = 2; return o }(), false},
		{"prev changed", func() Header { o := h; o.PrevBlock[0] ^= 1; return o }(), false},
		{"merkle tail changed", func() Header { o := h; o.MerkleRoot[31] ^= 1; return o }(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.SameFirstBlock(tt.other); got != tt.want {
				t.Errorf("SameFirstBlock() = %v, want %v", got, tt.want)
			}
		})
	}
}
