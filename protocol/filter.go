package protocol

// Filter lets a caller drop fields while a packet is being parsed, before any
// reply map is built. Protocol keys are never offered to a Filter.
type Filter interface {
	// Skip reports whether the field should be dropped. Setting *skipRest
	// drops every remaining filterable field of the current packet.
	Skip(f Field, skipRest *bool) bool
	// DoNotSkip reports whether name must always be kept.
	DoNotSkip(name string) bool
	// Reset is called once after each packet.
	Reset()
}

// protocolKeys are never filtered; the dispatcher depends on them.
var protocolKeys = map[string]struct{}{
	"":         {},
	"xfiles":   {},
	"server":   {},
	"server2":  {},
	"serverID": {},
	"revver":   {},
	"tzoffset": {},
	"sndbuf":   {},
	"rcvbuf":   {},
	"func":     {},
	"func2":    {},
}

// IsProtocolKey reports whether name is reserved by the protocol.
func IsProtocolKey(name string) bool {
	_, ok := protocolKeys[name]
	return ok
}

// binaryFields hold file content and are never charset-converted.
var binaryFields = map[string]struct{}{
	"data":  {},
	"data2": {},
}

// IsBinaryField reports whether a field carries raw file content.
func IsBinaryField(name string) bool {
	_, ok := binaryFields[name]
	return ok
}
