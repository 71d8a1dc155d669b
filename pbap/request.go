package pbap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opd-ai/obexd/obex"
)

// Target is the OBEX Target (and Who) value of the PBAP service.
var Target = uuid.MustParse("796135f0-f0c5-11d8-0966-0800200c9a66")

// Object types carried in the Type header of a GET.
const (
	TypePhonebook    = "x-bt/phonebook"
	TypeVCardListing = "x-bt/vcard-listing"
	TypeVCard        = "x-bt/vcard"
)

// Supported feature bits of the PbapSupportedFeatures parameter.
const (
	FeatureDownload uint32 = 1 << iota
	FeatureBrowsing
	FeatureDatabaseIdentifier
	FeatureFolderVersionCounters
	FeatureVCardSelecting
	FeatureEnhancedMissedCalls
	FeatureUCIVCard
	FeatureUIDVCard
	FeatureContactReferencing
	FeatureDefaultContactImageFormat
)

// DefaultMaxListCount applies when a request carries no MaxListCount.
const DefaultMaxListCount = 0xFFFF

var (
	// ErrNotFound indicates an illegal folder or object name.
	ErrNotFound = errors.New("phonebook object not found")

	// ErrBadRequest indicates a GET that is not a PBAP request.
	ErrBadRequest = errors.New("bad phonebook request")

	// ErrNotAcceptable indicates an entry name we cannot serve.
	ErrNotAcceptable = errors.New("unacceptable vCard entry name")
)

// Kind is the PBAP function a request invokes.
type Kind uint8

const (
	PullPhonebook Kind = iota
	PullvCardListing
	PullvCardEntry
)

func (k Kind) String() string {
	switch k {
	case PullPhonebook:
		return "pull-phonebook"
	case PullvCardListing:
		return "pull-vcard-listing"
	case PullvCardEntry:
		return "pull-vcard-entry"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// vCard formats.
const (
	FormatVCard21 uint8 = 0
	FormatVCard30 uint8 = 1
)

// Listing orders.
const (
	OrderIndexed      uint8 = 0
	OrderAlphabetical uint8 = 1
	OrderPhonetical   uint8 = 2
)

// Search properties.
const (
	SearchName   uint8 = 0
	SearchNumber uint8 = 1
	SearchSound  uint8 = 2
)

// Request is one decoded PBAP pull. Folder is absolute and has no
// extension, e.g. "telecom/pb".
type Request struct {
	Kind   Kind
	Name   string
	Folder string
	// Entry is the index of a numeric "<n>.vcf" name, -1 otherwise.
	Entry  int
	Handle string

	MaxListCount          uint16
	ListStartOffset       uint16
	Format                uint8
	PropertySelector      uint64
	Order                 uint8
	SearchProperty        uint8
	SearchValue           string
	VCardSelector         uint64
	VCardSelectorOperator uint8
	ResetNewMissedCalls   bool

	Params obex.AppParams
}

// SizeOnly reports whether the peer asked for the phonebook size only.
func (r *Request) SizeOnly() bool {
	return r.Kind != PullvCardEntry && r.MaxListCount == 0
}

// MissedCalls reports whether the request addresses the missed call folder.
func (r *Request) MissedCalls() bool {
	return r.Kind != PullvCardEntry && strings.HasSuffix(r.Folder, "mch")
}

var legalFolders = map[string]bool{
	"":                 true,
	"telecom":          true,
	"telecom/pb":       true,
	"telecom/ich":      true,
	"telecom/och":      true,
	"telecom/mch":      true,
	"telecom/cch":      true,
	"SIM1":             true,
	"SIM1/telecom":     true,
	"SIM1/telecom/pb":  true,
	"SIM1/telecom/ich": true,
	"SIM1/telecom/och": true,
	"SIM1/telecom/mch": true,
	"SIM1/telecom/cch": true,
}

// IsLegalPath reports whether path is a folder of the virtual phonebook tree.
func IsLegalPath(path string) bool { return legalFolders[path] }

// IsPhonebookFolder reports whether path holds vCards.
func IsPhonebookFolder(path string) bool {
	if !legalFolders[path] {
		return false
	}
	parent, _, ok := cutLast(path)
	return ok && (parent == "telecom" || parent == "SIM1/telecom")
}

// Folders lists the phonebook folders in a stable order.
func Folders() []string {
	return []string{
		"telecom/pb", "telecom/ich", "telecom/och", "telecom/mch", "telecom/cch",
		"SIM1/telecom/pb", "SIM1/telecom/ich", "SIM1/telecom/och", "SIM1/telecom/mch", "SIM1/telecom/cch",
	}
}

// Navigate applies SetPath semantics to current. up goes to the parent;
// otherwise an empty name goes to the root and a non-empty name descends.
func Navigate(current string, up bool, name string) (string, error) {
	next := current
	switch {
	case up:
		if parent, _, ok := cutLast(current); ok {
			next = parent
		} else {
			next = ""
		}
	case name == "":
		next = ""
	case current == "":
		next = name
	default:
		next = current + "/" + name
	}
	if !IsLegalPath(next) {
		return current, fmt.Errorf("%w: folder %q", ErrNotFound, next)
	}
	return next, nil
}

func cutLast(path string) (string, string, bool) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}

// ParseRequest builds a Request from the headers of a GET issued while the
// session sits in folder current.
func ParseRequest(headers obex.Headers, current string) (*Request, error) {
	contentType, _ := headers.Type()
	name, _ := headers.Name()
	params, err := headers.AppParams()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	req := &Request{Name: name, Entry: -1, Params: params}
	switch contentType {
	case TypePhonebook:
		req.Kind = PullPhonebook
		folder, ok := strings.CutSuffix(name, ".vcf")
		if !ok || !IsPhonebookFolder(folder) {
			return nil, fmt.Errorf("%w: phonebook object %q", ErrNotFound, name)
		}
		req.Folder = folder
	case TypeVCardListing:
		req.Kind = PullvCardListing
		folder := current
		if name != "" {
			if current != "" {
				folder = current + "/" + name
			} else {
				folder = name
			}
		}
		if !IsPhonebookFolder(folder) {
			return nil, fmt.Errorf("%w: listing folder %q", ErrNotFound, folder)
		}
		req.Folder = folder
	case TypeVCard:
		req.Kind = PullvCardEntry
		handle, ok := strings.CutSuffix(name, ".vcf")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotAcceptable, name)
		}
		if !IsPhonebookFolder(current) {
			return nil, fmt.Errorf("%w: no phonebook folder selected", ErrNotFound)
		}
		req.Folder = current
		req.Handle = name
		if n, err := strconv.Atoi(handle); err == nil && n >= 0 {
			req.Entry = n
		}
	default:
		return nil, fmt.Errorf("%w: type %q", ErrBadRequest, contentType)
	}

	req.MaxListCount = DefaultMaxListCount
	if v, ok := params.Uint16(obex.ParamMaxListCount); ok {
		req.MaxListCount = v
	}
	req.ListStartOffset, _ = params.Uint16(obex.ParamListStartOffset)
	req.Format, _ = params.Uint8(obex.ParamFormat)
	req.PropertySelector, _ = params.Uint64(obex.ParamPropertySelector)
	req.Order, _ = params.Uint8(obex.ParamOrder)
	req.SearchProperty, _ = params.Uint8(obex.ParamSearchProperty)
	if v, ok := params.Get(obex.ParamSearchValue); ok {
		req.SearchValue = strings.TrimRight(string(v), "\x00")
	}
	req.VCardSelector, _ = params.Uint64(obex.ParamVCardSelector)
	req.VCardSelectorOperator, _ = params.Uint8(obex.ParamVCardSelectorOperator)
	if v, ok := params.Uint8(obex.ParamResetNewMissedCalls); ok {
		req.ResetNewMissedCalls = v == 1
	}
	return req, nil
}
