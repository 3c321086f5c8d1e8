package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCTCPRoundTrip(t *testing.T) {
	cmd := `DCC SEND "weird \x01 name` + "\r\n" + `.mkv" 2130706433 5000 1048576 tok1`
	encoded := EncodeCTCP(cmd)

	payload, ok := ExtractCTCP("PRIVMSG #chan :" + encoded)
	require.True(t, ok)
	assert.Equal(t, cmd, payload)
}

func TestParseDCCSendQuotedFilename(t *testing.T) {
	offer, err := ParseDCC(`DCC SEND "ep 1.mkv" 2130706433 5000 1048576 tok1`)
	require.NoError(t, err)
	assert.Equal(t, "ep 1.mkv", offer.Filename)
	assert.Equal(t, "127.0.0.1", offer.IP.String())
	assert.EqualValues(t, 5000, offer.Port)
	assert.EqualValues(t, 1048576, offer.Size)
	assert.Equal(t, "tok1", offer.Token)
	assert.False(t, offer.Secure)
	assert.False(t, offer.Passive())
}

func TestParseDCCSendUnquotedFilename(t *testing.T) {
	offer, err := ParseDCC(`DCC SEND ep1.mkv 2130706433 5000 1048576`)
	require.NoError(t, err)
	assert.Equal(t, "ep1.mkv", offer.Filename)
	assert.Equal(t, "", offer.Token)
}

func TestParseDCCSSendMarksSecure(t *testing.T) {
	offer, err := ParseDCC(`DCC SSEND "x" 2130706433 5000 100`)
	require.NoError(t, err)
	assert.True(t, offer.Secure)
}

func TestParseDCCPassivePortZero(t *testing.T) {
	offer, err := ParseDCC(`DCC SEND "x" 0 0 100 tok42`)
	require.NoError(t, err)
	assert.True(t, offer.Passive())
	assert.Equal(t, "tok42", offer.Token)
}

func TestParseDCCRejectsGarbage(t *testing.T) {
	_, err := ParseDCC(`VERSION foo`)
	assert.Error(t, err)
}

func TestParseDCCAccept(t *testing.T) {
	msg, err := ParseDCCAccept(`DCC ACCEPT "ep1.mkv" 5000 500000 tok1`)
	require.NoError(t, err)
	assert.Equal(t, "ep1.mkv", msg.Filename)
	assert.EqualValues(t, 5000, msg.Port)
	assert.EqualValues(t, 500000, msg.Position)
	assert.Equal(t, "tok1", msg.Token)
}

func TestNormalizeFilenameRejectsTraversal(t *testing.T) {
	assert.Equal(t, "", normalizeFilename(".."))
	assert.Equal(t, "", normalizeFilename("."))
	assert.Equal(t, "passwd", normalizeFilename("../../etc/passwd"))
}

func TestValidateOfferRejectsOversize(t *testing.T) {
	offer := &DCCOffer{Filename: "a.mkv", IP: mustParseIP("203.0.113.5"), Port: 1, Size: 1000}
	err := ValidateOffer(offer, 500, false)
	require.Error(t, err)
	assert.Equal(t, KindFileSizeExceeded, kindOf(err))
}

func TestValidateOfferRejectsPrivateIPByDefault(t *testing.T) {
	offer := &DCCOffer{Filename: "a.mkv", IP: mustParseIP("10.0.0.5"), Port: 1, Size: 10}
	err := ValidateOffer(offer, 1000, false)
	require.Error(t, err)

	err = ValidateOffer(offer, 1000, true)
	assert.NoError(t, err)
}

func TestValidateOfferAllowsPassiveWithoutIPCheck(t *testing.T) {
	offer := &DCCOffer{Filename: "a.mkv", IP: nil, Port: 0, Size: 10}
	err := ValidateOffer(offer, 1000, false)
	assert.NoError(t, err)
}

func TestEncodeDCCResumeAndSendReply(t *testing.T) {
	assert.Equal(t, `DCC RESUME "ep1.mkv" 5000 500000 tok1`, EncodeDCCResume("ep1.mkv", 5000, 500000, "tok1"))
	assert.Equal(t, `DCC RESUME "ep1.mkv" 5000 500000`, EncodeDCCResume("ep1.mkv", 5000, 500000, ""))

	reply := EncodeDCCSendReply("x", mustParseIP("127.0.0.1"), 6000, 100, "tok42")
	assert.Equal(t, `DCC SEND "x" 2130706433 6000 100 tok42`, reply)
}

func mustParseIP(s string) net.IP {
	return net.ParseIP(s)
}
