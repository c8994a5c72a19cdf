package workbench

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Scaffold writes a practice audit target into dir: a deliberately
// vulnerable vault, a Foundry fuzz suite that fails against it, and a
// starter pattern corpus for the lookup capability. It refuses to write
// into a non-empty directory.
func Scaffold(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(entries) > 0 {
		return nil, fmt.Errorf("refusing to scaffold into non-empty directory %s", dir)
	}

	files := map[string]string{
		"contracts/LeakyVault.sol": leakyVaultSource,
		"test/LeakyVault.t.sol":    leakyVaultTestSource,
		"corpus/solodit.json":      starterCorpus,
		"foundry.toml":             foundryConfig,
		"README.md":                practiceReadme,
	}

	paths := make([]string, 0, len(files))
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", rel, err)
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// The practice vault trips every capability: reentrancy and an unchecked
// low-level call for the analyzer, a TODO for the linters, an open owner
// slot for the graph pass, and a failing fuzz property for forge.
const leakyVaultSource = `// SPDX-License-Identifier: UNLICENSED
pragma solidity ^0.8.13;

// Practice target for audits. Deliberately vulnerable. Never deploy.
contract LeakyVault {
    mapping(address => uint256) public balances;
    address public owner;

    constructor() {
        owner = msg.sender;
    }

    function deposit() external payable {
        balances[msg.sender] += msg.value;
    }

    // External call happens before the balance update.
    function withdraw(uint256 amount) external {
        require(balances[msg.sender] >= amount, "insufficient");
        (bool ok, ) = msg.sender.call{value: amount}("");
        require(ok, "transfer failed");
        balances[msg.sender] -= amount;
    }

    // Return value of the low-level call is ignored.
    function sweep(address payable to) external {
        to.call{value: address(this).balance}("");
    }

    // TODO: restrict to the current owner.
    function setOwner(address next) external {
        owner = next;
    }
}
`

const leakyVaultTestSource = `// SPDX-License-Identifier: UNLICENSED
pragma solidity ^0.8.13;

import "forge-std/Test.sol";
import "../contracts/LeakyVault.sol";

contract LeakyVaultTest is Test {
    LeakyVault vault;

    function setUp() public {
        vault = new LeakyVault();
        vm.deal(address(this), 100 ether);
    }

    function testFuzz_balanceNeverExceedsDeposits(uint96 amount) public {
        vm.assume(amount > 0 && amount <= 10 ether);
        vault.deposit{value: amount}();
        vault.withdraw(amount);
        assertEq(address(vault).balance, 0);
    }

    receive() external payable {}
}
`

const starterCorpus = `{
  "patterns": {
    "reentrancy": [
      {"title": "The DAO: recursive call drains vault before balance update", "reference": "solodit/the-dao"},
      {"title": "Cross-function reentrancy through shared balance state", "reference": "solodit/cross-function-reentrancy"}
    ],
    "unchecked_return": [
      {"title": "Silent transfer failure from ignored low-level call result", "reference": "solodit/unchecked-call"}
    ],
    "dangerous_call": [
      {"title": "User-controlled delegatecall target takes over proxy storage", "reference": "solodit/parity-wallet"}
    ]
  }
}
`

const foundryConfig = `[profile.default]
src = "contracts"
test = "test"
`

const practiceReadme = `# Warden Practice Target

A deliberately vulnerable vault for exercising audit runs end to end.
Every capability finds something here: the analyzer flags the reentrant
withdraw and the unchecked sweep, the linters catch the TODO, the graph
pass sees the open setOwner entry point, and the fuzz suite fails.

Run an audit against this directory:

    warden audit --target . --cap 10

Never deploy any of this.
`
