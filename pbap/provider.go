package pbap

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opd-ai/obexd/obex"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DirectoryProvider serves phonebooks stored as vCard files: folder
// "telecom/pb" is read from <dir>/telecom/pb.vcf. A missing file is an
// empty phonebook.
type DirectoryProvider struct {
	fs  afero.Fs
	dir string
	db  uuid.UUID
}

// NewDirectoryProvider creates a provider rooted at dir.
func NewDirectoryProvider(fs afero.Fs, dir string) *DirectoryProvider {
	return &DirectoryProvider{
		fs:  fs,
		dir: dir,
		db:  uuid.NewSHA1(uuid.NameSpaceURL, []byte("obexd-phonebook:"+filepath.Clean(dir))),
	}
}

// HandleRequest implements Provider. Files are read on a separate
// goroutine; the answer reaches the server through r.
func (p *DirectoryProvider) HandleRequest(r Replier, req *Request) {
	go p.serve(r, req)
}

func (p *DirectoryProvider) serve(r Replier, req *Request) {
	cards, err := p.load(req.Folder)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DirectoryProvider.serve",
			"folder":   req.Folder,
			"error":    err.Error(),
		}).Error("Cannot read phonebook")
		r.ReplyError(req, obex.InternalServerError)
		return
	}

	switch req.Kind {
	case PullPhonebook:
		body, size := p.pullPhonebook(cards, req)
		r.ReplyToPullPhonebook(req, body, size)
	case PullvCardListing:
		body, size, err := p.pullListing(cards, req)
		if err != nil {
			r.ReplyError(req, obex.InternalServerError)
			return
		}
		r.ReplyToPullvCardListing(req, body, size)
	case PullvCardEntry:
		if req.Entry < 0 || req.Entry >= len(cards) {
			r.ReplyError(req, obex.NotFound)
			return
		}
		r.ReplyToPullvCardEntry(req, cards[req.Entry].Bytes(req.PropertySelector))
	}
}

// FolderInfo implements FolderInfoProvider. Version counters follow the
// modification time of the folder's file; every missed call counts as new.
func (p *DirectoryProvider) FolderInfo(folder string) FolderInfo {
	var info FolderInfo
	copy(info.DatabaseID[:], p.db[:])

	if st, err := p.fs.Stat(p.path(folder)); err == nil {
		binary.BigEndian.PutUint64(info.PrimaryVersion[8:], uint64(st.ModTime().UnixNano()))
		binary.BigEndian.PutUint64(info.SecondaryVersion[8:], uint64(st.Size()))
	}
	if strings.HasSuffix(folder, "mch") {
		if cards, err := p.load(folder); err == nil {
			info.NewMissedCalls = uint8(min(len(cards), 0xFF))
		}
	}
	return info
}

func (p *DirectoryProvider) path(folder string) string {
	return filepath.Join(p.dir, filepath.FromSlash(folder)+".vcf")
}

func (p *DirectoryProvider) load(folder string) ([]*VCard, error) {
	data, err := afero.ReadFile(p.fs, p.path(folder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseVCards(data), nil
}

func (p *DirectoryProvider) pullPhonebook(cards []*VCard, req *Request) ([]byte, uint16) {
	var selected []*VCard
	for _, c := range cards {
		if c.Matches(req.VCardSelector, req.VCardSelectorOperator) {
			selected = append(selected, c)
		}
	}
	size := uint16(min(len(selected), 0xFFFF))
	if req.SizeOnly() {
		return nil, size
	}

	var body bytes.Buffer
	for _, c := range window(selected, req) {
		body.Write(c.Bytes(req.PropertySelector))
	}
	return body.Bytes(), size
}

type listingEntry struct {
	handle int
	card   *VCard
}

type vcardListing struct {
	XMLName xml.Name      `xml:"vCard-listing"`
	Version string        `xml:"version,attr"`
	Cards   []listingCard `xml:"card"`
}

type listingCard struct {
	Handle string `xml:"handle,attr"`
	Name   string `xml:"name,attr"`
}

func (p *DirectoryProvider) pullListing(cards []*VCard, req *Request) ([]byte, uint16, error) {
	var entries []listingEntry
	for i, c := range cards {
		if !c.Matches(req.VCardSelector, req.VCardSelectorOperator) || !searchMatches(c, req) {
			continue
		}
		entries = append(entries, listingEntry{handle: i, card: c})
	}
	switch req.Order {
	case OrderAlphabetical:
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].card.ListingName()) < strings.ToLower(entries[j].card.ListingName())
		})
	case OrderPhonetical:
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].card.Get("SOUND")) < strings.ToLower(entries[j].card.Get("SOUND"))
		})
	}
	size := uint16(min(len(entries), 0xFFFF))
	if req.SizeOnly() {
		return nil, size, nil
	}

	listing := vcardListing{Version: "1.0"}
	for _, e := range window(entries, req) {
		listing.Cards = append(listing.Cards, listingCard{
			Handle: strconv.Itoa(e.handle) + ".vcf",
			Name:   e.card.ListingName(),
		})
	}
	out, err := xml.MarshalIndent(listing, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("encode vCard listing: %w", err)
	}
	var body bytes.Buffer
	body.WriteString(xml.Header)
	body.WriteString(`<!DOCTYPE vcard-listing SYSTEM "vcard-listing.dtd">` + "\n")
	body.Write(out)
	body.WriteString("\n")
	return body.Bytes(), size, nil
}

func searchMatches(c *VCard, req *Request) bool {
	if req.SearchValue == "" {
		return true
	}
	needle := strings.ToLower(req.SearchValue)
	var haystack []string
	switch req.SearchProperty {
	case SearchNumber:
		haystack = c.All("TEL")
	case SearchSound:
		haystack = c.All("SOUND")
	default:
		haystack = []string{c.ListingName()}
	}
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

// window applies ListStartOffset and MaxListCount.
func window[T any](items []T, req *Request) []T {
	start := int(req.ListStartOffset)
	if start >= len(items) {
		return nil
	}
	end := min(len(items), start+int(req.MaxListCount))
	return items[start:end]
}
