package endpoint

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a single decoded value when
// no maxLength tag is present.
var defaultFieldLimit = 16 * 1024

// defaultBodyLimit bounds JSON request bodies.
var defaultBodyLimit int64 = 1 << 20

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in precedence order:
//   - `path:"name"`    r.PathValue(name)
//   - `query:"name"`   URL query parameter
//   - `form:"name"`    url-encoded form value (POST body or query)
//   - `body:"json"`    the whole request body, JSON-decoded into the field
//   - `header:"name"`  request header
//   - `cookie:"name"`  cookie value
//   - `maxLength:"n"`  per-field length limit; "0" disables the limit
//
// A tag value of "-" ignores the field. A ",base64url" or ",base64" flag decodes
// []byte fields. Untagged struct fields (including embedded structs) are
// decoded recursively. Fields with no data are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	src := &source{r: r, query: r.URL.Query()}
	if !isJSONBody(r) && r.Body != nil && r.Body != http.NoBody {
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "malformed form", err)
		}
		src.form = r.Form
	}
	return src.decodeStruct(root)
}

type source struct {
	r     *http.Request
	query url.Values
	form  url.Values
	// bodyRead guards against two fields consuming the body.
	bodyRead bool
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func (s *source) decodeStruct(sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" { // unexported
			continue
		}
		fv := sv.Field(i)

		tagged := false
		for _, src := range []string{"path", "query", "form", "body", "header", "cookie"} {
			if _, ok := sf.Tag.Lookup(src); ok {
				tagged = true
				break
			}
		}

		if !tagged {
			inner := fv
			if inner.Kind() == reflect.Pointer && inner.Type().Elem().Kind() == reflect.Struct {
				if inner.IsNil() {
					inner.Set(reflect.New(inner.Type().Elem()))
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && !inner.Addr().Type().Implements(textUnmarshalerType) {
				if err := s.decodeStruct(inner); err != nil {
					return err
				}
			}
			continue
		}

		if err := s.decodeField(sf, fv); err != nil {
			return err
		}
	}
	return nil
}

func (s *source) decodeField(sf reflect.StructField, fv reflect.Value) error {
	limit, err := fieldLimit(sf)
	if err != nil {
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
	}

	if tag, ok := sf.Tag.Lookup("body"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return nil
		}
		return s.decodeBody(sf, fv)
	}

	for _, src := range []string{"path", "query", "form", "header", "cookie"} {
		tag, ok := sf.Tag.Lookup(src)
		if !ok {
			continue
		}
		name, flags, _ := strings.Cut(tag, ",")
		if name == "-" {
			return nil
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		raw, present := s.lookup(src, name)
		if !present {
			continue
		}
		if limit > 0 && len(raw) > limit {
			return Error(http.StatusBadRequest, fmt.Sprintf("parameter %q too long", name), nil)
		}
		if err := setValue(fv, raw, flags); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid parameter %q", name), err)
		}
		return nil
	}
	return nil
}

func (s *source) lookup(src, name string) (string, bool) {
	switch src {
	case "path":
		v := s.r.PathValue(name)
		return v, v != ""
	case "query":
		if vs, ok := s.query[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	case "form":
		if vs, ok := s.form[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	case "header":
		if v := s.r.Header.Get(name); v != "" {
			return v, true
		}
	case "cookie":
		if c, err := s.r.Cookie(name); err == nil {
			return c.Value, true
		}
	}
	return "", false
}

func (s *source) decodeBody(sf reflect.StructField, fv reflect.Value) error {
	if s.bodyRead {
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields (%s)", sf.Name))
	}
	s.bodyRead = true
	if s.r.Body == nil || s.r.Body == http.NoBody {
		return nil
	}
	if !isJSONBody(s.r) {
		return Error(http.StatusUnsupportedMediaType, "expected application/json body", nil)
	}
	dec := json.NewDecoder(io.LimitReader(s.r.Body, defaultBodyLimit))
	if err := dec.Decode(fv.Addr().Interface()); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return Error(http.StatusBadRequest, "malformed JSON body", err)
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, fmt.Errorf("maxLength tag: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength tag must be non-negative")
	}
	return n, nil
}

func setValue(fv reflect.Value, raw, flags string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.CanAddr() && fv.Addr().Type().Implements(textUnmarshalerType) {
		return fv.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(raw))
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		var b []byte
		var err error
		switch flags {
		case "base64url":
			b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
		case "base64":
			b, err = base64.StdEncoding.DecodeString(raw)
		default:
			b = []byte(raw)
		}
		if err != nil {
			return err
		}
		fv.SetBytes(b)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

func isJSONBody(r *http.Request) bool {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
