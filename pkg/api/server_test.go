package api

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseAddress(t *testing.T) {
	want := common.HexToAddress("0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")

	addr, ok := parseAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	if !ok || addr != want {
		t.Errorf("checksummed address rejected")
	}
	if _, ok := parseAddress("0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"); !ok {
		t.Errorf("lowercase address rejected")
	}

	// Mixed case with a wrong checksum is a typo'd address
	if _, ok := parseAddress("0xFb6916095ca1df60bB79Ce92cE3Ea74c37c5d359"); ok {
		t.Errorf("bad checksum accepted")
	}
	if _, ok := parseAddress("native"); ok {
		t.Errorf("non-address accepted")
	}
}
