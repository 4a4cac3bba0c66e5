// Command meshctl inspects a mesh database directory without needing to
// know the Go types any of its trees were declared with: every tree is
// read through a RawTree, the same byte-level facade the relay uses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nilsson/meshdb"
)

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		log.Fatalf("%s: %s", msg, err)
	}
}

func usage() {
	log.Println("usage: meshctl trees dbdir")
	log.Println("       meshctl keys dbdir tree")
	log.Println("       meshctl dumptype dbdir tree")
	log.Println("       meshctl record dbdir tree id revision")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	default:
		usage()
	case "trees":
		trees(args)
	case "keys":
		keys(args)
	case "dumptype":
		dumptype(args)
	case "record":
		record(args)
	}
}

func xopen(path string) *meshdb.DB {
	dbPath := filepath.Join(path, "meshdb.bolt")
	db, err := meshdb.Open(dbPath, "meshctl")
	xcheckf(err, "open database")
	return db
}

func trees(args []string) {
	if len(args) != 1 {
		usage()
	}
	db := xopen(args[0])
	defer db.Close()
	for _, name := range db.ManagedTrees() {
		fmt.Println(name)
	}
}

func keys(args []string) {
	if len(args) != 2 {
		usage()
	}
	db := xopen(args[0])
	defer db.Close()
	t, err := meshdb.OpenRawTree(db, args[1])
	xcheckf(err, "open tree")
	ks, err := t.AllKeys()
	xcheckf(err, "list keys")
	for _, k := range ks {
		fmt.Println(k)
	}
}

func dumptype(args []string) {
	if len(args) != 2 {
		usage()
	}
	db := xopen(args[0])
	defer db.Close()
	desc, ok := db.Descriptor(args[1])
	if !ok {
		log.Fatalf("no descriptor for tree %q", args[1])
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	err := enc.Encode(desc)
	xcheckf(err, "marshal descriptor")
}

// record prints one record's meta (including the serializer runtime
// version it was written with) and its pretty-printed data.
func record(args []string) {
	if len(args) != 4 {
		usage()
	}
	db := xopen(args[0])
	defer db.Close()
	t, err := meshdb.OpenRawTree(db, args[1])
	xcheckf(err, "open tree")

	var id, revision uint64
	_, err = fmt.Sscanf(args[2], "%d", &id)
	xcheckf(err, "parse id")
	_, err = fmt.Sscanf(args[3], "%d", &revision)
	xcheckf(err, "parse revision")
	key := meshdb.GenericKey{ID: uint32(id), Revision: uint32(revision)}

	metaIteration, meta, dataIteration, evolution, err := t.Meta(key)
	xcheckf(err, "record meta")
	pretty, err := t.SerializePretty(key)
	xcheckf(err, "record data")

	out := struct {
		MetaIteration     uint32
		Meta              meshdb.RecordMeta
		DataIteration     uint32
		DataEvolution     meshdb.SimpleVersion
		SerializerRuntime meshdb.SimpleVersion
	}{metaIteration, meta, dataIteration, evolution, meta.SerializerRuntime}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	err = enc.Encode(out)
	xcheckf(err, "marshal record meta")
	fmt.Println(pretty)
}
