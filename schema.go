package meshdb

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// TypeCollection is the reflected shape of a record value type: a root type
// name plus every struct/enum it (transitively) refers to. Refs carries
// only names, resolved through the map, so the graph can describe cycles
// without Go ownership cycles.
type TypeCollection struct {
	Root string
	Refs map[string]TypeInfo
}

// TypeKind discriminates the two shapes a TypeInfo can take.
type TypeKind int

const (
	KindStruct TypeKind = iota
	KindEnum
)

// TypeInfo describes one struct or enum reachable from a TypeCollection's
// root. Exactly one of Fields/Variants is meaningful, selected by Kind.
type TypeInfo struct {
	Kind     TypeKind
	Fields   []FieldInfo   // Kind == KindStruct
	Variants []VariantInfo // Kind == KindEnum
}

// FieldInfo is one ordered, named field of a struct (or of a Named enum
// variant). Type is either a primitive/container leaf name (see typeName)
// or the name of another entry in the owning TypeCollection's Refs.
type FieldInfo struct {
	Name string
	Type string
}

// VariantShape discriminates the three shapes a Rust-style enum variant can
// take; Go enum types describe their variants through the Enum interface
// below.
type VariantShape int

const (
	Unit VariantShape = iota
	Unnamed
	Named
)

// VariantInfo is one ordered, named variant of an enum.
type VariantInfo struct {
	Name   string
	Shape  VariantShape
	Types  []string    // Shape == Unnamed: tuple element types, in order
	Fields []FieldInfo // Shape == Named
}

// Enum is implemented by Go types that stand in for a Rust-style sum type.
// EnumVariants returns one zero-value sample per variant, in declaration
// order. A variant's shape is inferred from its sample's Go shape:
//
//   - a type with no exported fields is Unit
//   - a struct whose exported fields are named F0, F1, F2, ... in order is
//     Unnamed, with each field's reflected type as the corresponding tuple
//     element
//   - any other struct is Named, using its exported fields directly
type Enum interface {
	EnumVariants() []EnumVariant
}

// EnumVariant names one sample value returned by Enum.EnumVariants.
type EnumVariant struct {
	Name   string
	Sample any
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
	enumType = reflect.TypeOf((*Enum)(nil)).Elem()
)

// Reflect walks the Go type of a zero value of V and builds its
// TypeCollection. It runs once per OpenTree call; there is no generated
// code involved.
func Reflect[V any]() (*TypeCollection, error) {
	var zero V
	rt := reflect.TypeOf(zero)
	if rt == nil {
		return nil, fmt.Errorf("%w: type has no concrete reflect.Type (likely an interface)", ErrUsage)
	}
	return ReflectType(rt)
}

// ReflectType is the reflect.Type-based entry point used internally and by
// tests; Reflect is the type-parameterized convenience wrapper.
func ReflectType(rt reflect.Type) (*TypeCollection, error) {
	tc := &TypeCollection{Refs: map[string]TypeInfo{}}
	name, err := reflectInto(tc, rt)
	if err != nil {
		return nil, err
	}
	tc.Root = name
	return tc, nil
}

// reflectInto adds rt (and everything it references) to tc.Refs and returns
// rt's type name. Already-visited names are not redescended into, which is
// how the graph tolerates cycles.
func reflectInto(tc *TypeCollection, rt reflect.Type) (string, error) {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	name := rt.Name()
	if name == "" {
		return "", fmt.Errorf("%w: anonymous type %v cannot be reflected", ErrUsage, rt)
	}
	if _, ok := tc.Refs[name]; ok {
		return name, nil
	}
	if rt.Kind() != reflect.Struct {
		return "", fmt.Errorf("%w: type %v must be a struct or an Enum-implementing struct", ErrUsage, rt)
	}

	// Reserve the slot before recursing so a field referencing rt itself
	// (directly or transitively) resolves to the same name instead of
	// looping forever.
	tc.Refs[name] = TypeInfo{}

	if reflect.PtrTo(rt).Implements(enumType) {
		info, err := reflectEnum(tc, rt)
		if err != nil {
			return "", err
		}
		tc.Refs[name] = info
		return name, nil
	}

	fields, err := reflectFields(tc, rt)
	if err != nil {
		return "", err
	}
	tc.Refs[name] = TypeInfo{Kind: KindStruct, Fields: fields}
	return name, nil
}

func reflectEnum(tc *TypeCollection, rt reflect.Type) (TypeInfo, error) {
	zero := reflect.New(rt).Interface().(Enum)
	variants := zero.EnumVariants()
	vis := make([]VariantInfo, 0, len(variants))
	for _, v := range variants {
		vi, err := reflectVariant(tc, v)
		if err != nil {
			return TypeInfo{}, fmt.Errorf("enum %s variant %q: %w", rt.Name(), v.Name, err)
		}
		vis = append(vis, vi)
	}
	return TypeInfo{Kind: KindEnum, Variants: vis}, nil
}

func reflectVariant(tc *TypeCollection, v EnumVariant) (VariantInfo, error) {
	rt := reflect.TypeOf(v.Sample)
	if rt == nil || rt.Kind() != reflect.Struct {
		return VariantInfo{}, fmt.Errorf("%w: variant sample must be a struct (use an empty struct for Unit)", ErrUsage)
	}
	sf := exportedFields(rt)
	if len(sf) == 0 {
		return VariantInfo{Name: v.Name, Shape: Unit}, nil
	}
	if isTupleShaped(sf) {
		types := make([]string, len(sf))
		for i, f := range sf {
			tn, err := typeName(tc, f.Type)
			if err != nil {
				return VariantInfo{}, err
			}
			types[i] = tn
		}
		return VariantInfo{Name: v.Name, Shape: Unnamed, Types: types}, nil
	}
	fields, err := fieldInfos(tc, sf)
	if err != nil {
		return VariantInfo{}, err
	}
	return VariantInfo{Name: v.Name, Shape: Named, Fields: fields}, nil
}

func isTupleShaped(sf []reflect.StructField) bool {
	for i, f := range sf {
		if f.Name != fmt.Sprintf("F%d", i) {
			return false
		}
	}
	return true
}

func exportedFields(rt reflect.Type) []reflect.StructField {
	var out []reflect.StructField
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.IsExported() && f.Tag.Get("meshdb") != "-" {
			out = append(out, f)
		}
	}
	return out
}

func reflectFields(tc *TypeCollection, rt reflect.Type) ([]FieldInfo, error) {
	return fieldInfos(tc, exportedFields(rt))
}

func fieldInfos(tc *TypeCollection, sf []reflect.StructField) ([]FieldInfo, error) {
	fields := make([]FieldInfo, 0, len(sf))
	for _, f := range sf {
		tn, err := typeName(tc, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, FieldInfo{Name: f.Name, Type: tn})
	}
	return fields, nil
}

// typeName computes the leaf/container name for t, recursing into tc for
// struct/enum types so they're added to the collection's Refs. Primitive
// and container names themselves (u8..u64, Option, Vec, HashMap, HashSet,
// ...) are leaves: their element types are embedded in the returned string,
// but the container itself is never added to Refs.
func typeName(tc *TypeCollection, t reflect.Type) (string, error) {
	if t.Kind() == reflect.Ptr {
		inner, err := typeName(tc, t.Elem())
		if err != nil {
			return "", err
		}
		return "Option<" + inner + ">", nil
	}
	switch t {
	case timeType:
		return "Time", nil
	case uuidType:
		return "Uuid", nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return "bool", nil
	case reflect.Int8:
		return "i8", nil
	case reflect.Int16:
		return "i16", nil
	case reflect.Int32:
		return "i32", nil
	case reflect.Int, reflect.Int64:
		return "i64", nil
	case reflect.Uint8:
		return "u8", nil
	case reflect.Uint16:
		return "u16", nil
	case reflect.Uint32:
		return "u32", nil
	case reflect.Uint, reflect.Uint64:
		return "u64", nil
	case reflect.Float32:
		return "f32", nil
	case reflect.Float64:
		return "f64", nil
	case reflect.String:
		return "String", nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return "Bytes", nil
		}
		inner, err := typeName(tc, t.Elem())
		if err != nil {
			return "", err
		}
		return "Vec<" + inner + ">", nil
	case reflect.Map:
		kn, err := typeName(tc, t.Key())
		if err != nil {
			return "", err
		}
		if t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0 {
			return "HashSet<" + kn + ">", nil
		}
		vn, err := typeName(tc, t.Elem())
		if err != nil {
			return "", err
		}
		return "HashMap<" + kn + "," + vn + ">", nil
	case reflect.Struct:
		return reflectInto(tc, t)
	default:
		return "", fmt.Errorf("%w: unsupported field type %v", ErrUsage, t)
	}
}

// Compatible reports whether an existing record of evolution prev can be
// opened by code of evolution next: structs may only append fields (types
// fixed pairwise by index), enums must keep the same variant count and
// shapes. Field and variant names never matter.
func Compatible(prev, next *TypeCollection) bool {
	pinfo, ok1 := prev.Refs[prev.Root]
	ninfo, ok2 := next.Refs[next.Root]
	if !ok1 || !ok2 {
		return false
	}
	return compatInfo(pinfo, ninfo)
}

func compatInfo(prev, next TypeInfo) bool {
	if prev.Kind != next.Kind {
		return false
	}
	switch prev.Kind {
	case KindStruct:
		if len(next.Fields) < len(prev.Fields) {
			return false
		}
		for i, pf := range prev.Fields {
			if pf.Type != next.Fields[i].Type {
				return false
			}
		}
		return true
	case KindEnum:
		if len(prev.Variants) != len(next.Variants) {
			return false
		}
		for i, pv := range prev.Variants {
			if !compatVariant(pv, next.Variants[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compatVariant(prev, next VariantInfo) bool {
	if prev.Shape != next.Shape {
		return false
	}
	switch prev.Shape {
	case Unit:
		return true
	case Unnamed:
		if len(prev.Types) != len(next.Types) {
			return false
		}
		for i, pt := range prev.Types {
			if pt != next.Types[i] {
				return false
			}
		}
		return true
	case Named:
		if len(prev.Fields) != len(next.Fields) {
			return false
		}
		for i, pf := range prev.Fields {
			if pf.Type != next.Fields[i].Type {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Equal reports whether a and b describe shape- and type-identical
// collections; field and variant names are ignored.
// The roots are compared with Compatible in both directions: Compatible
// already demands equal variant counts for enums, and applying it both ways
// for structs forces equal field counts with pairwise-equal types. Every
// other referenced type is matched by name (field types name them) and
// compared the same way.
func Equal(a, b *TypeCollection) bool {
	if !Compatible(a, b) || !Compatible(b, a) {
		return false
	}
	if len(a.Refs) != len(b.Refs) {
		return false
	}
	for name, ai := range a.Refs {
		if name == a.Root {
			continue
		}
		bi, ok := b.Refs[name]
		if !ok || !compatInfo(ai, bi) || !compatInfo(bi, ai) {
			return false
		}
	}
	return true
}
