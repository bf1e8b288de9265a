package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/knaw-huc/textsurf/textpool"
)

// rangeSpecFromQuery builds a range from the v1 query parameters.
// char takes precedence over line, which takes precedence over
// begin/end. char and line hold a "begin,end" pair where either side
// may be empty; a missing end means through the end of the resource.
func rangeSpecFromQuery(q url.Values) (textpool.RangeSpec, error) {
	var spec textpool.RangeSpec
	switch {
	case q.Has("char"):
		if err := parsePair(q.Get("char"), "char", &spec); err != nil {
			return spec, err
		}
	case q.Has("line"):
		spec.Unit = textpool.UnitLine
		if err := parsePair(q.Get("line"), "line", &spec); err != nil {
			return spec, err
		}
	default:
		if v := q.Get("begin"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return spec, &paramError{"begin parameter must be an integer"}
			}
			spec.Begin = n
		}
		if v := q.Get("end"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return spec, &paramError{"end parameter must be an integer"}
			}
			spec.End = &n
		}
	}

	if v := q.Get("length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return spec, &paramError{"length parameter must be an integer"}
		}
		spec.ExpectLength = &n
	}
	if v := q.Get("md5"); v != "" {
		spec.ExpectMD5 = v
	}
	return spec, nil
}

func parsePair(s, param string, spec *textpool.RangeSpec) error {
	beginStr, endStr, _ := strings.Cut(s, ",")
	if beginStr != "" {
		n, err := strconv.ParseInt(beginStr, 10, 64)
		if err != nil {
			return &paramError{param + " begin parameter must be an integer"}
		}
		spec.Begin = n
	}
	if endStr != "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return &paramError{param + " end parameter must be an integer"}
		}
		spec.End = &n
	}
	return nil
}

// parseRegion parses an api2 region: "full", "begin,end",
// "char:begin,end" or "line:begin,end". Unlike the v1 query grammar the
// comma is mandatory, but either side of it may be empty.
func parseRegion(region string) (textpool.RangeSpec, error) {
	var spec textpool.RangeSpec
	param := "region"
	switch {
	case region == "full":
		return spec, nil
	case strings.HasPrefix(region, "line:"):
		spec.Unit = textpool.UnitLine
		region = strings.TrimPrefix(region, "line:")
	case strings.HasPrefix(region, "char:"):
		region = strings.TrimPrefix(region, "char:")
	}
	if !strings.Contains(region, ",") {
		return spec, &paramError{"region parameter must have a comma to express a range"}
	}
	if err := parsePair(region, param, &spec); err != nil {
		return spec, err
	}
	return spec, nil
}

// api2DecodeID substitutes pipes for slashes, letting api2 clients name
// nested resources inside a single path segment.
func api2DecodeID(id string) string {
	return strings.ReplaceAll(id, "|", "/")
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
