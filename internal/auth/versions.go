package auth

// Protocol versions are "YYYY-MM-DD" strings, so they order lexically.
const (
	version20130815 = "2013-08-15"
	version20150221 = "2015-02-21"
	version20150405 = "2015-04-05"
)

// versioned binds a value to the versions strictly before Before. An empty
// Before matches every version.
type versioned[T any] struct {
	Before string
	Value  T
}

// forVersion returns the first table entry whose range contains version.
// Tables must end with an entry whose Before is empty.
func forVersion[T any](table []versioned[T], version string) T {
	for _, row := range table {
		if row.Before == "" || version < row.Before {
			return row.Value
		}
	}
	var zero T
	return zero
}

// contentLengthVariants lists the Content-Length renderings to try. Before
// 2015-02-21 clients disagree on whether a zero length is signed, so both the
// literal value and blank are tried; later versions always blank "0".
var contentLengthVariants = []versioned[func(string) []string]{
	{Before: version20150221, Value: func(v string) []string {
		if v == "" {
			return []string{""}
		}
		return []string{v, ""}
	}},
	{Value: func(v string) []string {
		if v == "0" {
			return []string{""}
		}
		return []string{v}
	}},
}

// sasCanonicalResourcePrefix is prepended to "/account/container[/blob]".
var sasCanonicalResourcePrefix = []versioned[string]{
	{Before: version20150221, Value: ""},
	{Value: "/blob"},
}

// serviceSASFormats selects the service SAS string-to-sign by signed version.
var serviceSASFormats = []versioned[func(p sasParams, resource string) string]{
	{Before: version20130815, Value: serviceStringToSign2012},
	{Before: version20150405, Value: serviceStringToSign2013},
	{Value: serviceStringToSign2015},
}
