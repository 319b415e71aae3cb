// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Filter selects rows of a collection.  The zero Filter matches every
// row.
type Filter struct {
	clause string
	args   []interface{}
}

// All matches every row.
func All() Filter { return Filter{} }

// ByID matches rows whose id is one of ids.  With no ids it matches
// nothing.
func ByID(ids ...string) Filter {
	if len(ids) == 0 {
		return Filter{clause: "0"}
	}
	return Filter{clause: "id IN (?)", args: []interface{}{ids}}
}

// ByFolder matches headers in the named folder.
func ByFolder(folder string) Filter {
	return Filter{clause: "folder = ?", args: []interface{}{folder}}
}

// ByComplete matches contents whose completion flag equals complete.
func ByComplete(complete bool) Filter {
	return Filter{clause: "complete = ?", args: []interface{}{complete}}
}

// And matches rows matched by every filter.
func And(filters ...Filter) Filter {
	var clauses []string
	var args []interface{}
	for _, f := range filters {
		if f.clause == "" {
			continue
		}
		clauses = append(clauses, "("+f.clause+")")
		args = append(args, f.args...)
	}
	return Filter{clause: strings.Join(clauses, " AND "), args: args}
}

// where expands f into a WHERE clause for query, which must end where
// the clause belongs.
func (f Filter) where(db *sqlx.DB, query string) (string, []interface{}, error) {
	clause := f.clause
	if clause == "" {
		clause = "1"
	}
	q, args, err := sqlx.In(query+" WHERE "+clause, f.args...)
	if err != nil {
		return "", nil, errors.Wrapf(err, "expanding filter %q", clause)
	}
	return db.Rebind(q), args, nil
}
