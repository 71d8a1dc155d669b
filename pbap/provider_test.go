package pbap

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/obexd/obex"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	req  *Request
	body []byte
	size uint16
	code obex.ResponseCode
}

// recordingReplier captures what a provider answers.
type recordingReplier struct {
	replies chan reply
}

func newRecordingReplier() *recordingReplier {
	return &recordingReplier{replies: make(chan reply, 4)}
}

func (r *recordingReplier) ReplyToPullPhonebook(req *Request, body []byte, size uint16) {
	r.replies <- reply{req: req, body: body, size: size, code: obex.Success}
}

func (r *recordingReplier) ReplyToPullvCardListing(req *Request, body []byte, size uint16) {
	r.replies <- reply{req: req, body: body, size: size, code: obex.Success}
}

func (r *recordingReplier) ReplyToPullvCardEntry(req *Request, body []byte) {
	r.replies <- reply{req: req, body: body, code: obex.Success}
}

func (r *recordingReplier) ReplyError(req *Request, code obex.ResponseCode) {
	r.replies <- reply{req: req, code: code}
}

func (r *recordingReplier) wait(t *testing.T) reply {
	t.Helper()
	select {
	case rep := <-r.replies:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not reply")
		return reply{}
	}
}

func newTestProvider(t *testing.T) *DirectoryProvider {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/pb/telecom/pb.vcf", []byte(sampleCards), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/pb/telecom/mch.vcf", []byte(
		"BEGIN:VCARD\r\nN:Caller;;;;\r\nTEL:+1999\r\nEND:VCARD\r\n"+
			"BEGIN:VCARD\r\nN:Other;;;;\r\nTEL:+1888\r\nEND:VCARD\r\n"), 0o644))
	return NewDirectoryProvider(fs, "/pb")
}

func pull(t *testing.T, p *DirectoryProvider, req *Request) reply {
	t.Helper()
	r := newRecordingReplier()
	p.HandleRequest(r, req)
	rep := r.wait(t)
	assert.Same(t, req, rep.req)
	return rep
}

func TestDirectoryProviderPhonebook(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{Kind: PullPhonebook, Folder: "telecom/pb", MaxListCount: DefaultMaxListCount})
	assert.Equal(t, obex.Success, rep.code)
	assert.Equal(t, uint16(3), rep.size)
	assert.Equal(t, 3, strings.Count(string(rep.body), "BEGIN:VCARD"))

	rep = pull(t, p, &Request{Kind: PullPhonebook, Folder: "telecom/pb", MaxListCount: 1, ListStartOffset: 1})
	assert.Equal(t, uint16(3), rep.size)
	assert.Equal(t, 1, strings.Count(string(rep.body), "BEGIN:VCARD"))
	assert.Contains(t, string(rep.body), "FN:Alice Zed")
}

func TestDirectoryProviderSizeOnly(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{Kind: PullPhonebook, Folder: "telecom/pb", MaxListCount: 0})
	assert.Equal(t, uint16(3), rep.size)
	assert.Empty(t, rep.body)
}

func TestDirectoryProviderMissingFolderIsEmpty(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{Kind: PullPhonebook, Folder: "telecom/och", MaxListCount: DefaultMaxListCount})
	assert.Equal(t, obex.Success, rep.code)
	assert.Zero(t, rep.size)
	assert.Empty(t, rep.body)
}

func TestDirectoryProviderListing(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{
		Kind:         PullvCardListing,
		Folder:       "telecom/pb",
		MaxListCount: DefaultMaxListCount,
		Order:        OrderAlphabetical,
	})
	require.Equal(t, obex.Success, rep.code)
	assert.Equal(t, uint16(3), rep.size)
	assert.True(t, strings.HasPrefix(string(rep.body), xml.Header))

	var listing vcardListing
	require.NoError(t, xml.Unmarshal(rep.body, &listing))
	assert.Equal(t, "1.0", listing.Version)
	require.Len(t, listing.Cards, 3)
	assert.Equal(t, listingCard{Handle: "2.vcf", Name: "Bob"}, listing.Cards[0])
	assert.Equal(t, listingCard{Handle: "0.vcf", Name: "Owner"}, listing.Cards[1])
	assert.Equal(t, listingCard{Handle: "1.vcf", Name: "Zed;Alice"}, listing.Cards[2])
}

func TestDirectoryProviderListingSearch(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{
		Kind:           PullvCardListing,
		Folder:         "telecom/pb",
		MaxListCount:   DefaultMaxListCount,
		SearchProperty: SearchNumber,
		SearchValue:    "5551",
	})
	var listing vcardListing
	require.NoError(t, xml.Unmarshal(rep.body, &listing))
	require.Len(t, listing.Cards, 1)
	assert.Equal(t, "1.vcf", listing.Cards[0].Handle)
	assert.Equal(t, uint16(1), rep.size)

	rep = pull(t, p, &Request{
		Kind:         PullvCardListing,
		Folder:       "telecom/pb",
		MaxListCount: DefaultMaxListCount,
		SearchValue:  "ALICE",
	})
	require.NoError(t, xml.Unmarshal(rep.body, &listing))
	require.Len(t, listing.Cards, 1)
	assert.Equal(t, "Zed;Alice", listing.Cards[0].Name)
}

func TestDirectoryProviderEntry(t *testing.T) {
	p := newTestProvider(t)

	rep := pull(t, p, &Request{Kind: PullvCardEntry, Folder: "telecom/pb", Entry: 2})
	assert.Equal(t, obex.Success, rep.code)
	assert.Contains(t, string(rep.body), "FN:Bob")

	rep = pull(t, p, &Request{Kind: PullvCardEntry, Folder: "telecom/pb", Entry: 9})
	assert.Equal(t, obex.NotFound, rep.code)

	rep = pull(t, p, &Request{Kind: PullvCardEntry, Folder: "telecom/pb", Entry: -1})
	assert.Equal(t, obex.NotFound, rep.code)
}

func TestDirectoryProviderFolderInfo(t *testing.T) {
	p := newTestProvider(t)

	mch := p.FolderInfo("telecom/mch")
	assert.Equal(t, uint8(2), mch.NewMissedCalls)
	assert.NotEqual(t, [16]byte{}, mch.PrimaryVersion)
	assert.NotEqual(t, [16]byte{}, mch.DatabaseID)

	pb := p.FolderInfo("telecom/pb")
	assert.Zero(t, pb.NewMissedCalls)
	assert.Equal(t, mch.DatabaseID, pb.DatabaseID)

	other := NewDirectoryProvider(afero.NewMemMapFs(), "/elsewhere")
	assert.NotEqual(t, pb.DatabaseID, other.FolderInfo("telecom/pb").DatabaseID)
}
