// Copyright 2025 ArkTech NWA
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package policy enforces pre-flight safety rules over SQL text before it
// reaches the database: a regex denylist for destructive statements, a
// table/column blacklist, a WHERE-clause requirement for top-level UPDATE
// and DELETE, automatic LIMIT injection for bare SELECTs, and RETURNING
// list filtering. All checks are substring and regex scans; nothing here
// parses SQL.
package policy
