// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

// NoopManager returns a Manager that does nothing; used when observability
// is disabled entirely so callers can skip nil checks. Every Manager method
// is already nil-receiver-safe, so a bare zero-value Manager serves the
// same purpose as a dedicated no-op type.
func NoopManager() *Manager {
	return &Manager{}
}
