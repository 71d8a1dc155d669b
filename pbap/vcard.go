package pbap

import (
	"bufio"
	"bytes"
	"strings"
)

// Property selector bits, PBAP 1.2 section 5.1.4.1.
const (
	PropVersion uint64 = 1 << iota
	PropFN
	PropN
	PropPhoto
	PropBDay
	PropAdr
	PropLabel
	PropTel
	PropEmail
	PropMailer
	PropTZ
	PropGeo
	PropTitle
	PropRole
	PropLogo
	PropAgent
	PropOrg
	PropNote
	PropRev
	PropSound
	PropURL
	PropUID
	PropKey
	PropNickname
	PropCategories
	PropProdID
	PropClass
	PropSortString
	PropCallDateTime
)

var propertyBits = map[string]uint64{
	"VERSION":              PropVersion,
	"FN":                   PropFN,
	"N":                    PropN,
	"PHOTO":                PropPhoto,
	"BDAY":                 PropBDay,
	"ADR":                  PropAdr,
	"LABEL":                PropLabel,
	"TEL":                  PropTel,
	"EMAIL":                PropEmail,
	"MAILER":               PropMailer,
	"TZ":                   PropTZ,
	"GEO":                  PropGeo,
	"TITLE":                PropTitle,
	"ROLE":                 PropRole,
	"LOGO":                 PropLogo,
	"AGENT":                PropAgent,
	"ORG":                  PropOrg,
	"NOTE":                 PropNote,
	"REV":                  PropRev,
	"SOUND":                PropSound,
	"URL":                  PropURL,
	"UID":                  PropUID,
	"KEY":                  PropKey,
	"NICKNAME":             PropNickname,
	"CATEGORIES":           PropCategories,
	"PRODID":               PropProdID,
	"CLASS":                PropClass,
	"SORT-STRING":          PropSortString,
	"X-IRMC-CALL-DATETIME": PropCallDateTime,
}

// Mandatory properties survive any property selector.
const mandatoryProps = PropVersion | PropFN | PropN | PropTel

type property struct {
	name  string
	value string
	line  string
}

// VCard is one parsed card. Only the lines are kept; parsing is limited to
// what listings, searches and selectors need.
type VCard struct {
	props []property
}

// ParseVCards splits data into cards. Folded lines are joined and text
// outside BEGIN/END pairs is ignored.
func ParseVCards(data []byte) []*VCard {
	var (
		cards   []*VCard
		current *VCard
		lines   []string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		name, value := splitProperty(line)
		switch {
		case name == "BEGIN" && strings.EqualFold(value, "VCARD"):
			current = &VCard{}
		case name == "END" && strings.EqualFold(value, "VCARD"):
			if current != nil {
				cards = append(cards, current)
			}
			current = nil
		case current != nil && name != "":
			current.props = append(current.props, property{name: name, value: value, line: line})
		}
	}
	return cards
}

func splitProperty(line string) (string, string) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", ""
	}
	name := line[:colon]
	if semi := strings.IndexByte(name, ';'); semi >= 0 {
		name = name[:semi]
	}
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	return strings.ToUpper(name), line[colon+1:]
}

// Get returns the first value of property name.
func (c *VCard) Get(name string) string {
	for _, p := range c.props {
		if p.name == name {
			return p.value
		}
	}
	return ""
}

// All returns every value of property name.
func (c *VCard) All(name string) []string {
	var out []string
	for _, p := range c.props {
		if p.name == name {
			out = append(out, p.value)
		}
	}
	return out
}

// ListingName is the name shown in a vCard listing: N, or FN when N is empty.
func (c *VCard) ListingName() string {
	if n := strings.TrimRight(c.Get("N"), ";"); n != "" {
		return n
	}
	return c.Get("FN")
}

// has reports whether the card carries any property selected by mask.
func (c *VCard) has(mask uint64) bool {
	for _, p := range c.props {
		if propertyBits[p.name]&mask != 0 {
			return true
		}
	}
	return false
}

// Matches applies a vCard selector. Operator 0 means any selected property
// is present, 1 means all of them are.
func (c *VCard) Matches(selector uint64, operator uint8) bool {
	if selector == 0 {
		return true
	}
	if operator == 0 {
		return c.has(selector)
	}
	for bit := uint64(1); bit != 0; bit <<= 1 {
		if selector&bit != 0 && !c.has(bit) {
			return false
		}
	}
	return true
}

// Bytes renders the card. A non-zero selector drops unselected properties
// except the mandatory ones.
func (c *VCard) Bytes(selector uint64) []byte {
	var b bytes.Buffer
	b.WriteString("BEGIN:VCARD\r\n")
	for _, p := range c.props {
		if selector != 0 {
			bit, known := propertyBits[p.name]
			if known && bit&(selector|mandatoryProps) == 0 {
				continue
			}
			if !known && !strings.HasPrefix(p.name, "X-") {
				continue
			}
		}
		b.WriteString(p.line)
		b.WriteString("\r\n")
	}
	b.WriteString("END:VCARD\r\n")
	return b.Bytes()
}
