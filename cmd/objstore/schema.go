package main

import "github.com/andreyvit/objstore"

// schemaMigrations builds the tutorial schema: one store keyed by "uuid",
// a unique index on uuid and non-unique indexes on name and age.
func schemaMigrations(store string) []objstore.Migration {
	return []objstore.Migration{
		{
			Version: 1,
			Apply: func(u *objstore.Upgrade) error {
				s, err := u.CreateObjectStore(store, objstore.StoreOptions{KeyPath: "uuid"})
				if err != nil {
					return err
				}
				if _, err := s.CreateIndex("uuid", "uuid", objstore.IndexOptions{Unique: true}); err != nil {
					return err
				}
				if _, err := s.CreateIndex("name", "name", objstore.IndexOptions{}); err != nil {
					return err
				}
				_, err = s.CreateIndex("age", "age", objstore.IndexOptions{})
				return err
			},
		},
	}
}

// demoRecord is the record the tutorial inserts.
func demoRecord() objstore.Record {
	return objstore.Record{
		"uuid": int64(1675579500989),
		"name": "张三",
		"age":  int64(11),
	}
}
