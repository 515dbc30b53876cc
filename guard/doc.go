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

// Package guard keeps every database call bounded and explainable.
//
// Four pieces cooperate behind the Manager façade: a circuit breaker with a
// sliding failure window, a health monitor probing the database in the
// background, an adaptive timeout planner deriving a per-call deadline from
// query shape and current health, and a guarded executor that acquires a
// pooled connection under a hard connect deadline and runs the statement
// under the planned one. Every failure surfaces as a typed Failure from a
// closed taxonomy; no operation blocks longer than
// connect deadline + planned deadline.
//
// The breaker and the monitor each own their state behind a mutex and never
// call into one another; the Manager reads snapshots only.
package guard
