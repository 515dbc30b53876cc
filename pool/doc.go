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

// Package pool manages PostgreSQL connections with a hard acquisition
// deadline, per-connection TTL, idle eviction, and optional borrow-time
// validation.
//
// database/sql remains the dialer underneath, but it exposes neither
// per-connection creation timestamps nor a way to tell pool saturation
// apart from a failed dial, so both disciplines live in this wrapper.
package pool
