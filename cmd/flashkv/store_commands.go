package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"flashkv/internal/console"
	"flashkv/internal/flash"
	"flashkv/internal/mirror"
)

// storeCommands is the command set the daemon offers over the console.
func storeCommands(st *flash.Store) []console.Command {
	return []console.Command{
		{
			Name:  "/get",
			Usage: "/get <key> [index]",
			Help:  "read a value (hex output)",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 {
					s.Printf("Usage: /get <key> [index]\n")
					return nil
				}
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				index := 0
				if len(args) > 1 {
					if index, err = strconv.Atoi(args[1]); err != nil {
						return fmt.Errorf("bad index %q", args[1])
					}
				}
				value, err := st.Get(key, index)
				if errors.Is(err, flash.ErrNotFound) {
					s.Printf("0x%04x[%d]: not found\n", key, index)
					return nil
				}
				if err != nil {
					return err
				}
				s.Printf("0x%04x[%d] = %s (%d bytes)\n",
					key, index, hex.EncodeToString(value), len(value))
				return nil
			},
		},
		{
			Name:  "/set",
			Usage: "/set <key> <hex>",
			Help:  "set a key, replacing any previous values",
			Run: func(s *console.Session, args []string) error {
				key, value, err := parseKeyValue(args)
				if err != nil {
					return err
				}
				if err := st.Set(key, value); err != nil {
					return err
				}
				s.Printf("Set 0x%04x (%d bytes)\n", key, len(value))
				return nil
			},
		},
		{
			Name:  "/add",
			Usage: "/add <key> <hex>",
			Help:  "append a value to a key",
			Run: func(s *console.Session, args []string) error {
				key, value, err := parseKeyValue(args)
				if err != nil {
					return err
				}
				if err := st.Add(key, value); err != nil {
					return err
				}
				s.Printf("Added to 0x%04x (%d bytes)\n", key, len(value))
				return nil
			},
		},
		{
			Name:  "/del",
			Usage: "/del <key> [index|all]",
			Help:  "delete one value, or all values of a key",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 {
					s.Printf("Usage: /del <key> [index|all]\n")
					return nil
				}
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				index := 0
				if len(args) > 1 {
					if args[1] == "all" {
						index = -1
					} else if index, err = strconv.Atoi(args[1]); err != nil {
						return fmt.Errorf("bad index %q", args[1])
					}
				}
				err = st.Delete(key, index)
				if errors.Is(err, flash.ErrNotFound) {
					s.Printf("0x%04x: not found\n", key)
					return nil
				}
				if err != nil {
					return err
				}
				s.Printf("Deleted 0x%04x\n", key)
				return nil
			},
		},
		{
			Name: "/keys",
			Help: "list keys holding values",
			Run: func(s *console.Session, _ []string) error {
				keys, err := st.Keys()
				if err != nil {
					return err
				}
				if len(keys) == 0 {
					s.Printf("Store is empty.\n")
					return nil
				}
				for _, key := range keys {
					n := 0
					for {
						if _, err := st.Length(key, n); err != nil {
							break
						}
						n++
					}
					s.Printf("  0x%04x  %d value(s)\n", key, n)
				}
				return nil
			},
		},
		{
			Name:  "/wipe",
			Usage: "/wipe yes",
			Help:  "erase the whole store",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 || args[0] != "yes" {
					s.Printf("This erases everything. Type /wipe yes to confirm.\n")
					return nil
				}
				if err := st.Wipe(); err != nil {
					return err
				}
				s.Printf("Store wiped.\n")
				return nil
			},
		},
		{
			Name:  "/backup",
			Usage: "/backup <path>",
			Help:  "write a snapshot file on the daemon host",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 {
					s.Printf("Usage: /backup <path>\n")
					return nil
				}
				if err := mirror.Backup(st, args[0]); err != nil {
					return err
				}
				s.Printf("Snapshot written to %s\n", args[0])
				return nil
			},
		},
		{
			Name:  "/restore",
			Usage: "/restore <path>",
			Help:  "replace the store contents from a snapshot",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 {
					s.Printf("Usage: /restore <path>\n")
					return nil
				}
				if err := mirror.Restore(st, args[0]); err != nil {
					return err
				}
				s.Printf("Store restored from %s\n", args[0])
				return nil
			},
		},
	}
}

func parseKey(s string) (uint16, error) {
	key, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad key %q (decimal or 0x-hex)", s)
	}
	return uint16(key), nil
}

func parseKeyValue(args []string) (uint16, []byte, error) {
	if len(args) < 2 {
		return 0, nil, fmt.Errorf("want <key> <hex>")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return 0, nil, err
	}
	value, err := hex.DecodeString(args[1])
	if err != nil {
		return 0, nil, fmt.Errorf("value must be hex")
	}
	return key, value, nil
}
